package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/testserver/internal/engine"
)

func TestClassify(t *testing.T) {
	failure := &engine.Failure{Domain: engine.DomainWebSocket, Code: 401, Message: "unauthorized"}

	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantDomain string
		wantStatus int
	}{
		{
			name:       "client error is unchanged",
			err:        Clientf("bad"),
			wantKind:   Client,
			wantDomain: DomainClient,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrapped client error is found",
			err:        fmt.Errorf("context: %w", Clientf("bad")),
			wantKind:   Client,
			wantDomain: DomainClient,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "server error is unchanged",
			err:        Serverf("broken"),
			wantKind:   Server,
			wantDomain: DomainServer,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "engine failure keeps its domain",
			err:        failure,
			wantKind:   Engine,
			wantDomain: engine.DomainWebSocket,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "plain error becomes server error",
			err:        errors.New("boom"),
			wantKind:   Server,
			wantDomain: DomainServer,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify(tt.err)
			require.NotNil(t, e)
			assert.Equal(t, tt.wantKind, e.Kind)
			assert.Equal(t, tt.wantDomain, e.Domain)
			assert.Equal(t, tt.wantStatus, e.Status())
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestClassifyKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	e := Classify(cause)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, "Internal server error", e.Message)
}

func TestEngineCode(t *testing.T) {
	e := FromEngine(&engine.Failure{Domain: engine.DomainNetwork, Code: 2, Message: "unknown host"})
	assert.Equal(t, 2, e.Code)
	assert.Equal(t, "unknown host", e.Message)
}

func TestWrapMessages(t *testing.T) {
	cause := errors.New("parse failed")
	e := ClientWrap(cause, "unparsable endpoint: %s", "x")
	assert.Equal(t, "unparsable endpoint: x: parse failed", e.Error())
	assert.True(t, IsClient(e))
	assert.False(t, IsServer(e))

	s := ServerWrap(cause, "write failed")
	assert.True(t, IsServer(s))
	assert.ErrorIs(t, s, cause)
}
