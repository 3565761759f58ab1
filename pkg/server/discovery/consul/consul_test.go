package consul

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	mu           sync.Mutex
	registered   []api.AgentServiceRegistration
	deregistered []string
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/v1/agent/service/register":
		var asr api.AgentServiceRegistration
		json.NewDecoder(r.Body).Decode(&asr)
		f.registered = append(f.registered, asr)
	case len(r.URL.Path) > len("/v1/agent/service/deregister/"):
		f.deregistered = append(f.deregistered, r.URL.Path[len("/v1/agent/service/deregister/"):])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestRegisterDeregister(t *testing.T) {
	agent := &fakeAgent{}
	srv := httptest.NewServer(agent)
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	sd, err := NewServiceDiscovery("http", u.Hostname(), u.Port(), log.NewNopLogger())
	require.NoError(t, err)

	assert.Error(t, sd.Deregister())
	assert.Error(t, sd.Register("http", "cp.local", "not-a-port"))

	require.NoError(t, sd.Register("https", "cp.local", "8443"))
	require.NoError(t, sd.Deregister())

	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.Len(t, agent.registered, 1)
	asr := agent.registered[0]
	assert.Equal(t, "rfid-sync-cp.local-8443", asr.ID)
	assert.Equal(t, 8443, asr.Port)
	require.NotNil(t, asr.Check)
	assert.Equal(t, "https://cp.local:8443/v1/health", asr.Check.HTTP)
	assert.Equal(t, []string{"rfid-sync-cp.local-8443"}, agent.deregistered)
}
