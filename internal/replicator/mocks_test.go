package replicator

import (
	"github.com/stretchr/testify/mock"

	"github.com/dreamware/testserver/internal/engine"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) NewReplicator(cfg *engine.ReplicatorConfig) (engine.Replicator, error) {
	args := m.Called(cfg)
	repl, _ := args.Get(0).(engine.Replicator)
	return repl, args.Error(1)
}

func (m *mockEngine) DeletedDocumentsFilter() engine.ReplicationFilter {
	f, _ := m.Called().Get(0).(engine.ReplicationFilter)
	return f
}

func (m *mockEngine) DocumentIDFilter(permitted map[string]struct{}) engine.ReplicationFilter {
	f, _ := m.Called(permitted).Get(0).(engine.ReplicationFilter)
	return f
}

type mockReplicator struct {
	mock.Mock
}

func (m *mockReplicator) Start(reset bool) error { return m.Called(reset).Error(0) }

func (m *mockReplicator) Stop() { m.Called() }

func (m *mockReplicator) Status() engine.Status {
	st, _ := m.Called().Get(0).(engine.Status)
	return st
}

func (m *mockReplicator) AddChangeListener(fn func(engine.Status)) { m.Called(fn) }

func (m *mockReplicator) AddDocumentListener(fn func(engine.DocumentReplication)) { m.Called(fn) }

// newMockReplicator returns a replicator that accepts listeners and reports
// a stopped status.
func newMockReplicator() *mockReplicator {
	r := &mockReplicator{}
	r.On("Status").Return(engine.Status{Activity: engine.Stopped}).Maybe()
	r.On("AddChangeListener", mock.Anything).Return().Maybe()
	r.On("AddDocumentListener", mock.Anything).Return().Maybe()
	return r
}
