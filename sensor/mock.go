package sensor

import (
	"context"
	"github.com/stretchr/testify/mock"
	"time"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Kind() Kind {
	return m.Called().Get(0).(Kind)
}

func (m *MockBackend) ListSensors(ctx context.Context) ([]Descriptor, error) {
	args := m.Called(ctx)
	return args.Get(0).([]Descriptor), args.Error(1)
}

func (m *MockBackend) FetchCurrentReading(ctx context.Context, id Identity) (Reading, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Reading), args.Error(1)
}

func (m *MockBackend) FetchHistoricalReadings(ctx context.Context, id Identity, from time.Time, to time.Time) ([]Reading, error) {
	args := m.Called(ctx, id, from, to)
	return args.Get(0).([]Reading), args.Error(1)
}

var _ Backend = (*MockBackend)(nil)
