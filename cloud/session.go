package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/shimmeringbee/humidor/metrics"
	"github.com/shimmeringbee/humidor/secret"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/sony/gobreaker"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const DefaultBaseURL = "https://api.sensorpush.com/api/v1"
const DefaultMinimumInterval = 1 * time.Second
const DefaultRequestTimeout = 30 * time.Second

const AccessTokenKey = "CloudAccessToken"
const ObtainedAtKey = "CloudAccessTokenObtainedAt"

const (
	authorizePath   = "/oauth/authorize"
	accessTokenPath = "/oauth/accesstoken"
	sensorsPath     = "/devices/sensors"
	samplesPath     = "/samples"
)

const maximumResponseSize = 8 << 20

type Token struct {
	AccessToken string
	ObtainedAt  time.Time
}

type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

type Option func(*Session)

func WithBaseURL(u string) Option {
	return func(s *Session) {
		s.baseURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

func WithHTTPClient(c HTTPDoer) Option {
	return func(s *Session) {
		s.client = c
	}
}

// WithMinimumInterval sets the spacing enforced between any two outbound requests.
func WithMinimumInterval(d time.Duration) Option {
	return func(s *Session) {
		s.minimumInterval = d
	}
}

func WithLogger(l logwrap.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithBreakerThreshold sets how many consecutive transport failures open the circuit breaker.
func WithBreakerThreshold(n uint32) Option {
	return func(s *Session) {
		s.breakerThreshold = n
	}
}

// Session owns the cloud access token, its persistence and the request spacing limiter. It is
// created once by the composition root and shared by reference with the cloud Client.
type Session struct {
	baseURL          string
	client           HTTPDoer
	secrets          secret.Store
	logger           logwrap.Logger
	metrics          *metrics.Metrics
	minimumInterval  time.Duration
	breakerThreshold uint32
	breaker          *gobreaker.CircuitBreaker

	tokenLock *sync.RWMutex
	token     Token
	hasToken  bool

	rateLock    *sync.Mutex
	lastRequest time.Time
}

// NewSession constructs a session, restoring any token previously persisted in the secret store.
func NewSession(store secret.Store, opts ...Option) *Session {
	s := &Session{
		baseURL:          DefaultBaseURL,
		client:           &http.Client{Timeout: DefaultRequestTimeout},
		secrets:          store,
		logger:           logwrap.New(discard.Discard()),
		minimumInterval:  DefaultMinimumInterval,
		breakerThreshold: 5,
		tokenLock:        &sync.RWMutex{},
		rateLock:         &sync.Mutex{},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cloud",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.breakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn(context.Background(), "Cloud circuit breaker changed state.", logwrap.Datum("From", from.String()), logwrap.Datum("To", to.String()))
		},
	})

	s.restore()

	return s
}

func (s *Session) restore() {
	accessToken, found := s.secrets.Read(AccessTokenKey)
	if !found || accessToken == "" {
		return
	}

	t := Token{AccessToken: accessToken}

	if obtained, found := s.secrets.Read(ObtainedAtKey); found {
		if parsed, err := time.Parse(time.RFC3339Nano, obtained); err == nil {
			t.ObtainedAt = parsed
		}
	}

	s.setToken(t)
	s.logger.Info(context.Background(), "Restored cloud session from secret store.", logwrap.Datum("ObtainedAt", t.ObtainedAt))
}

func (s *Session) Token() (Token, bool) {
	s.tokenLock.RLock()
	defer s.tokenLock.RUnlock()

	return s.token, s.hasToken
}

func (s *Session) IsAuthenticated() bool {
	_, ok := s.Token()
	return ok
}

func (s *Session) setToken(t Token) {
	s.tokenLock.Lock()
	defer s.tokenLock.Unlock()

	s.token = t
	s.hasToken = true
}

func (s *Session) clear() error {
	s.tokenLock.Lock()
	defer s.tokenLock.Unlock()

	return s.clearLocked()
}

// invalidate clears the session only if it still holds accessToken, so a token saved by a newer
// sign in survives a rejection of an older one.
func (s *Session) invalidate(accessToken string) (bool, error) {
	s.tokenLock.Lock()
	defer s.tokenLock.Unlock()

	if !s.hasToken || s.token.AccessToken != accessToken {
		return false, nil
	}

	return true, s.clearLocked()
}

// clearLocked must be called with tokenLock held.
func (s *Session) clearLocked() error {
	s.token = Token{}
	s.hasToken = false

	var errs []error

	if err := s.secrets.Delete(AccessTokenKey); err != nil {
		errs = append(errs, err)
	}

	if err := s.secrets.Delete(ObtainedAtKey); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// storeToken persists t and then marks the session authenticated with it.
func (s *Session) storeToken(t Token) error {
	s.tokenLock.Lock()
	defer s.tokenLock.Unlock()

	if err := s.secrets.Save(AccessTokenKey, t.AccessToken); err != nil {
		return fmt.Errorf("persisting access token: %w", err)
	}

	if err := s.secrets.Save(ObtainedAtKey, t.ObtainedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("persisting access token: %w", err)
	}

	s.token = t
	s.hasToken = true

	return nil
}

type authorizeRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authorizeResponse struct {
	Authorization string `json:"authorization"`
	Code          string `json:"code"`
}

type accessTokenRequest struct {
	Authorization string `json:"authorization"`
}

type accessTokenResponse struct {
	AccessToken *string `json:"accesstoken"`
}

// Authenticate exchanges credentials for an authorization code, and then that code for an access
// token, which is persisted before the session is marked authenticated.
func (s *Session) Authenticate(pctx context.Context, email string, password string) (Token, error) {
	ctx, end := s.logger.Segment(pctx, "Authenticating with cloud sensor API.")
	defer end()

	if err := s.clear(); err != nil {
		s.logger.Warn(ctx, "Failed to clear previous access token before sign in.", logwrap.Err(err))
	}

	payload, err := s.post(ctx, authorizePath, authorizeRequest{Email: email, Password: password}, false)
	if err != nil {
		s.logger.Error(ctx, "Authorization step failed.", logwrap.Err(err))
		return Token{}, err
	}

	var ar authorizeResponse
	if err := json.Unmarshal(payload, &ar); err != nil {
		return Token{}, fmt.Errorf("%w: authorize: %v", ErrInvalidResponse, err)
	}

	code := ar.Authorization
	if code == "" {
		code = ar.Code
	}

	if code == "" {
		return Token{}, fmt.Errorf("%w: authorize: no authorization code present", ErrInvalidResponse)
	}

	payload, err = s.post(ctx, accessTokenPath, accessTokenRequest{Authorization: code}, false)
	if err != nil {
		s.logger.Error(ctx, "Access token exchange failed.", logwrap.Err(err))
		return Token{}, err
	}

	if !json.Valid(payload) {
		return Token{}, fmt.Errorf("%w: accesstoken: body is not json", ErrInvalidResponse)
	}

	var atr accessTokenResponse
	if err := json.Unmarshal(payload, &atr); err != nil {
		return Token{}, &DecodingError{Detail: "accesstoken payload", Err: err}
	}

	if atr.AccessToken == nil || *atr.AccessToken == "" {
		return Token{}, &DecodingError{Detail: "accesstoken payload has no accesstoken"}
	}

	t := Token{AccessToken: *atr.AccessToken, ObtainedAt: time.Now()}

	if err := s.storeToken(t); err != nil {
		return Token{}, err
	}

	s.logger.Info(ctx, "Cloud session authenticated.")

	return t, nil
}

// SignOut clears the persisted token and the authenticated flag. It is idempotent.
func (s *Session) SignOut(ctx context.Context) error {
	if err := s.clear(); err != nil {
		s.logger.Error(ctx, "Failed to remove access token from secret store.", logwrap.Err(err))
		return err
	}

	s.logger.Info(ctx, "Cloud session signed out.")
	return nil
}

// checkRateLimit reserves the next request slot, at least minimumInterval after the previous one,
// and waits for it. Reservation happens under the lock so concurrent callers are also spaced.
func (s *Session) checkRateLimit(ctx context.Context) error {
	s.rateLock.Lock()
	now := time.Now()
	slot := s.lastRequest.Add(s.minimumInterval)
	if slot.Before(now) {
		slot = now
	}
	s.lastRequest = slot
	s.rateLock.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}

	s.metrics.RateLimitWaited(wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type rawResponse struct {
	status int
	body   []byte
}

type errorResponse struct {
	Message string `json:"message"`
	Status  any    `json:"status"`
}

// post issues a rate limited JSON POST. Any non-200 status becomes an AuthenticationFailedError, a
// 401 on an authenticated call also invalidates the held token.
func (s *Session) post(ctx context.Context, path string, body any, authenticated bool) ([]byte, error) {
	var accessToken string

	if authenticated {
		t, ok := s.Token()
		if !ok {
			return nil, ErrInvalidToken
		}
		accessToken = t.AccessToken
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", path, err)
	}

	if err := s.checkRateLimit(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if authenticated {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maximumResponseSize))
		if err != nil {
			return nil, err
		}

		return rawResponse{status: resp.StatusCode, body: payload}, nil
	})

	if err != nil {
		err = &NetworkError{Cause: err}
		s.metrics.CloudRequest(path, err)
		return nil, err
	}

	resp := result.(rawResponse)

	if resp.status != http.StatusOK {
		err := &AuthenticationFailedError{Status: resp.status, Message: errorMessage(resp)}
		s.metrics.CloudRequest(path, err)

		if authenticated && resp.status == http.StatusUnauthorized {
			cleared, clearErr := s.invalidate(accessToken)

			switch {
			case clearErr != nil:
				s.logger.Error(ctx, "Failed to clear rejected access token.", logwrap.Err(clearErr))
			case cleared:
				s.logger.Warn(ctx, "Cloud rejected access token, invalidating session.", logwrap.Datum("Path", path))
			default:
				s.logger.Info(ctx, "Cloud rejected a replaced access token, keeping the current one.", logwrap.Datum("Path", path))
			}
		}

		return nil, err
	}

	s.metrics.CloudRequest(path, nil)
	return resp.body, nil
}

func errorMessage(r rawResponse) string {
	var er errorResponse

	if err := json.Unmarshal(r.body, &er); err == nil && er.Message != "" {
		return er.Message
	}

	if text := http.StatusText(r.status); text != "" {
		return text
	}

	return fmt.Sprintf("unexpected status %d", r.status)
}
