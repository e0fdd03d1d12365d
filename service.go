// Package humidor composes sensor backends, the reading cache, stability analysis, alerting and hub
// automation into a single Service.
package humidor

import (
	"context"
	"errors"
	"fmt"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/automation"
	"github.com/shimmeringbee/humidor/cache"
	"github.com/shimmeringbee/humidor/cloud"
	"github.com/shimmeringbee/humidor/hub"
	"github.com/shimmeringbee/humidor/metrics"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/humidor/stability"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/impl/memory"
	"golang.org/x/sync/errgroup"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownBackend       = errors.New("no backend registered for sensor kind")
	ErrNoThresholds         = errors.New("no thresholds configured for humidor")
	ErrCloudNotConfigured   = errors.New("no cloud session configured")
	ErrAllBackendsFailed    = errors.New("every sensor backend failed")
	ErrNoAssignedSensor     = errors.New("humidor has no assigned sensor")
	ErrInvalidSensorAddress = errors.New("invalid sensor address")
)

// ReadingSink receives every batch of readings fetched from a backend.
type ReadingSink interface {
	Write(ctx context.Context, ref sensor.Ref, readings []sensor.Reading) error
}

const (
	cacheSectionKey       = "Cache"
	thresholdSectionKey   = "Thresholds"
	assignmentsSectionKey = "Assignments"
	assignedSensorKey     = "Sensor"
)

type Option func(*Service)

// WithBackend registers a backend under its Kind, replacing any previous one of that kind.
func WithBackend(b sensor.Backend) Option {
	return func(s *Service) {
		s.backends[b.Kind()] = b
	}
}

// WithHub registers the hub backend and enables automation through it.
func WithHub(b *hub.Backend, opts ...automation.Option) Option {
	return func(s *Service) {
		s.backends[sensor.Hub] = b
		s.hub = b
		s.automationOptions = opts
	}
}

// WithCloud registers the cloud backend and keeps its session for sign in and sign out.
func WithCloud(session *cloud.Session, opts ...cloud.ClientOption) Option {
	return func(s *Service) {
		s.session = session
		s.cloudOptions = opts
	}
}

func WithSection(section persistence.Section) Option {
	return func(s *Service) {
		s.section = section
	}
}

func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		s.retention = d
	}
}

func WithAnalyzer(a *stability.Analyzer) Option {
	return func(s *Service) {
		s.analyzer = a
	}
}

func WithSink(sink ReadingSink) Option {
	return func(s *Service) {
		s.sinks = append(s.sinks, sink)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(opts ...Option) *Service {
	s := &Service{
		backends:   map[sensor.Kind]sensor.Backend{},
		logger:     logwrap.New(discard.Discard()),
		retention:  cache.DefaultRetention,
		caches:     map[sensor.Kind]*cache.Cache{},
		assignLock: &sync.RWMutex{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.section == nil {
		s.section = memory.New()
	}

	if s.analyzer == nil {
		s.analyzer = stability.NewAnalyzer()
	}

	if s.session != nil {
		s.backends[sensor.Cloud] = cloud.NewClient(s.session, append([]cloud.ClientOption{cloud.WithClientLogger(s.logger)}, s.cloudOptions...)...)
	}

	for _, k := range []sensor.Kind{sensor.Hub, sensor.Cloud} {
		s.caches[k] = cache.New(
			cache.WithRetention(s.retention),
			cache.WithSection(s.section.Section(cacheSectionKey, k.String())),
			cache.WithLogger(s.logger),
			cache.WithMetrics(s.metrics),
		)
	}

	s.thresholds = alert.NewThresholdStore(s.section.Section(thresholdSectionKey))
	s.assignments = s.section.Section(assignmentsSectionKey)
	s.engine = alert.NewEngine(alert.WithLogger(s.logger), alert.WithMetrics(s.metrics))

	if s.hub != nil {
		bopts := append([]automation.Option{automation.WithLogger(s.logger), automation.WithMetrics(s.metrics)}, s.automationOptions...)
		s.builder = automation.NewBuilder(s.hub, s.engine, bopts...)
	}

	return s
}

type Service struct {
	backends map[sensor.Kind]sensor.Backend
	hub      *hub.Backend
	session  *cloud.Session

	automationOptions []automation.Option
	cloudOptions      []cloud.ClientOption

	section   persistence.Section
	retention time.Duration
	sinks     []ReadingSink
	metrics   *metrics.Metrics
	logger    logwrap.Logger

	caches      map[sensor.Kind]*cache.Cache
	analyzer    *stability.Analyzer
	thresholds  *alert.ThresholdStore
	engine      *alert.Engine
	builder     *automation.Builder
	assignments persistence.Section
	assignLock  *sync.RWMutex
}

// Load restores persisted current readings into the caches.
func (s *Service) Load(ctx context.Context) int {
	loaded := 0

	for _, c := range s.caches {
		loaded += c.Load(ctx)
	}

	return loaded
}

func (s *Service) Backend(k sensor.Kind) (sensor.Backend, error) {
	b, found := s.backends[k]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, k)
	}

	return b, nil
}

func (s *Service) Kinds() []sensor.Kind {
	kinds := make([]sensor.Kind, 0, len(s.backends))
	for k := range s.backends {
		kinds = append(kinds, k)
	}

	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i] < kinds[j]
	})

	return kinds
}

func (s *Service) cache(k sensor.Kind) (*cache.Cache, error) {
	if _, err := s.Backend(k); err != nil {
		return nil, err
	}

	return s.caches[k], nil
}

// Sensors lists sensors across every backend concurrently. A failing backend is logged and skipped
// unless every backend fails.
func (s *Service) Sensors(ctx context.Context) ([]sensor.Descriptor, error) {
	kinds := s.Kinds()
	results := make([][]sensor.Descriptor, len(kinds))
	errs := make([]error, len(kinds))

	g := &errgroup.Group{}

	for i, k := range kinds {
		i, b := i, s.backends[k]

		g.Go(func() error {
			results[i], errs[i] = b.ListSensors(ctx)
			return nil
		})
	}

	_ = g.Wait()

	var all []sensor.Descriptor
	var failures []error

	for i, k := range kinds {
		if errs[i] != nil {
			s.logger.Warn(ctx, "Failed to list sensors from backend.", logwrap.Datum("Kind", k.String()), logwrap.Err(errs[i]))
			failures = append(failures, fmt.Errorf("%s: %w", k, errs[i]))
			continue
		}

		all = append(all, results[i]...)
	}

	if len(kinds) > 0 && len(failures) == len(kinds) {
		return nil, fmt.Errorf("%w: %w", ErrAllBackendsFailed, errors.Join(failures...))
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Kind != all[j].Kind {
			return all[i].Kind < all[j].Kind
		}
		return all[i].DisplayName < all[j].DisplayName
	})

	return all, nil
}

// SensorRefs lists the refs of every sensor Sensors finds.
func (s *Service) SensorRefs(ctx context.Context) ([]sensor.Ref, error) {
	descriptors, err := s.Sensors(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]sensor.Ref, 0, len(descriptors))
	for _, d := range descriptors {
		refs = append(refs, d.Ref())
	}

	return refs, nil
}

// Sensor returns a handle bound to the sensor's backend that records into the cache. The handle is
// seeded with the cached current reading.
func (s *Service) Sensor(ctx context.Context, ref sensor.Ref) (*sensor.Handle, error) {
	b, err := s.Backend(ref.Kind)
	if err != nil {
		return nil, err
	}

	descriptors, err := b.ListSensors(ctx)
	if err != nil {
		return nil, err
	}

	for _, d := range descriptors {
		if d.ID != ref.ID {
			continue
		}

		h := sensor.NewHandle(d, b, s.caches[ref.Kind])
		if r, found := s.caches[ref.Kind].Current(ref.ID); found {
			h.Seed(r)
		}

		return h, nil
	}

	return nil, fmt.Errorf("%w: %s", sensor.ErrUnknownSensor, ref)
}

// LatestReading fetches the current reading from the backend and records it.
func (s *Service) LatestReading(ctx context.Context, ref sensor.Ref) (sensor.Reading, error) {
	b, err := s.Backend(ref.Kind)
	if err != nil {
		return sensor.Reading{}, err
	}

	r, err := b.FetchCurrentReading(ctx, ref.ID)
	if err != nil {
		return sensor.Reading{}, err
	}

	s.record(ctx, ref, []sensor.Reading{r})

	return r, nil
}

// RefreshHistory fetches readings between from and to and records them. Backends without history
// return a single reading.
func (s *Service) RefreshHistory(ctx context.Context, ref sensor.Ref, from time.Time, to time.Time) ([]sensor.Reading, error) {
	b, err := s.Backend(ref.Kind)
	if err != nil {
		return nil, err
	}

	readings, err := b.FetchHistoricalReadings(ctx, ref.ID, from, to)
	if err != nil {
		return nil, err
	}

	s.record(ctx, ref, readings)

	return readings, nil
}

func (s *Service) record(ctx context.Context, ref sensor.Ref, readings []sensor.Reading) {
	if len(readings) == 0 {
		return
	}

	s.caches[ref.Kind].Update(ref.ID, readings)

	for _, sink := range s.sinks {
		if err := sink.Write(ctx, ref, readings); err != nil {
			s.logger.Warn(ctx, "Reading sink rejected readings.", logwrap.Datum("Sensor", ref.String()), logwrap.Err(err))
		}
	}
}

// Current returns the cached current reading without contacting the backend.
func (s *Service) Current(ref sensor.Ref) (sensor.Reading, bool) {
	c, err := s.cache(ref.Kind)
	if err != nil {
		return sensor.Reading{}, false
	}

	return c.Current(ref.ID)
}

// History returns cached readings no older than since.
func (s *Service) History(ref sensor.Ref, since time.Duration) ([]sensor.Reading, error) {
	c, err := s.cache(ref.Kind)
	if err != nil {
		return nil, err
	}

	return c.History(ref.ID, time.Now().Add(-since), time.Time{}), nil
}

// Stability analyzes cached readings no older than since.
func (s *Service) Stability(ref sensor.Ref, since time.Duration) (stability.Report, error) {
	readings, err := s.History(ref, since)
	if err != nil {
		return stability.Report{}, err
	}

	return s.analyzer.Analyze(readings), nil
}

func (s *Service) SetThresholds(cfg alert.ThresholdConfig) error {
	return s.thresholds.Set(cfg)
}

func (s *Service) Thresholds(humidorID string) (alert.ThresholdConfig, bool) {
	return s.thresholds.Get(humidorID)
}

func (s *Service) AllThresholds() []alert.ThresholdConfig {
	return s.thresholds.All()
}

// Assign binds a humidor to the sensor whose readings are checked against its thresholds.
func (s *Service) Assign(humidorID string, ref sensor.Ref) error {
	if _, err := s.Backend(ref.Kind); err != nil {
		return err
	}

	s.assignLock.Lock()
	defer s.assignLock.Unlock()

	s.assignments.Section(humidorID).Set(assignedSensorKey, ref.String())
	return nil
}

func (s *Service) Assignment(humidorID string) (sensor.Ref, bool) {
	s.assignLock.RLock()
	defer s.assignLock.RUnlock()

	addr, found := s.assignments.Section(humidorID).String(assignedSensorKey)
	if !found {
		return sensor.Ref{}, false
	}

	ref, err := ParseRef(addr)
	if err != nil {
		return sensor.Ref{}, false
	}

	return ref, true
}

func (s *Service) assignedTo(ref sensor.Ref) []string {
	s.assignLock.RLock()
	defer s.assignLock.RUnlock()

	var humidors []string
	for _, id := range s.assignments.SectionKeys() {
		if addr, found := s.assignments.Section(id).String(assignedSensorKey); found && addr == ref.String() {
			humidors = append(humidors, id)
		}
	}

	sort.Strings(humidors)
	return humidors
}

// ParseRef parses the "<kind>/<id>" form produced by sensor.Ref.String.
func ParseRef(addr string) (sensor.Ref, error) {
	kind, id, found := strings.Cut(addr, "/")
	if !found || id == "" {
		return sensor.Ref{}, fmt.Errorf("%w: %q", ErrInvalidSensorAddress, addr)
	}

	k, err := sensor.ParseKind(kind)
	if err != nil {
		return sensor.Ref{}, fmt.Errorf("%w: %w", ErrInvalidSensorAddress, err)
	}

	return sensor.Ref{Kind: k, ID: sensor.Identity(id)}, nil
}

// CheckAlerts evaluates the sensor's current reading against the humidor's thresholds. The cached
// reading is used when present, otherwise one is fetched.
func (s *Service) CheckAlerts(ctx context.Context, humidorID string, ref sensor.Ref) ([]alert.Event, error) {
	cfg, found := s.thresholds.Get(humidorID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoThresholds, humidorID)
	}

	r, found := s.Current(ref)
	if !found {
		var err error
		if r, err = s.LatestReading(ctx, ref); err != nil {
			return nil, err
		}
	}

	return s.engine.Check(ctx, ref, r, cfg), nil
}

// CheckHumidor checks alerts against the sensor assigned to the humidor.
func (s *Service) CheckHumidor(ctx context.Context, humidorID string) ([]alert.Event, error) {
	ref, found := s.Assignment(humidorID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoAssignedSensor, humidorID)
	}

	return s.CheckAlerts(ctx, humidorID, ref)
}

// Refresh fetches a current reading and checks it against every humidor assigned to the sensor.
func (s *Service) Refresh(ctx context.Context, ref sensor.Ref) error {
	if _, err := s.LatestReading(ctx, ref); err != nil {
		return err
	}

	for _, humidorID := range s.assignedTo(ref) {
		if _, err := s.CheckAlerts(ctx, humidorID, ref); err != nil && !errors.Is(err, ErrNoThresholds) {
			return err
		}
	}

	return nil
}

func (s *Service) OpenAlerts() []alert.Event {
	return s.engine.Open()
}

// Subscribe registers f for alert.Event and alert.Cleared notifications.
func (s *Service) Subscribe(f any) {
	s.engine.Add(f)
}

// Alerts exposes the engine so exporters can subscribe directly.
func (s *Service) Alerts() *alert.Engine {
	return s.engine
}

// ConfigureAutomation rebuilds the humidor's hub rules and stores its thresholds on success. The
// humidor is assigned the hub sensor its rules watch, when one could be resolved.
func (s *Service) ConfigureAutomation(ctx context.Context, h automation.Humidor, cfg alert.ThresholdConfig) (automation.Result, error) {
	if s.builder == nil {
		return automation.Result{}, automation.ErrNotConfigured
	}

	if cfg.HumidorID == "" {
		cfg.HumidorID = h.ID
	}

	res, err := s.builder.ConfigureAutomation(ctx, h, cfg)
	if err != nil {
		return res, err
	}

	if err := s.thresholds.Set(cfg); err != nil {
		return res, err
	}

	if res.Sensor == "" {
		return res, nil
	}

	if err := s.Assign(h.ID, sensor.Ref{Kind: sensor.Hub, ID: res.Sensor}); err != nil {
		return res, err
	}

	return res, nil
}

func (s *Service) RemoveAutomation(ctx context.Context, h automation.Humidor) (int, error) {
	if s.builder == nil {
		return 0, automation.ErrNotConfigured
	}

	return s.builder.RemoveAutomation(ctx, h)
}

// Authenticate signs in to the cloud provider.
func (s *Service) Authenticate(ctx context.Context, email string, password string) error {
	if s.session == nil {
		return ErrCloudNotConfigured
	}

	_, err := s.session.Authenticate(ctx, email, password)
	return err
}

func (s *Service) SignOut(ctx context.Context) error {
	if s.session == nil {
		return ErrCloudNotConfigured
	}

	return s.session.SignOut(ctx)
}

func (s *Service) CloudAuthenticated() bool {
	return s.session != nil && s.session.IsAuthenticated()
}
