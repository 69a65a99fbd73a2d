package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"rotabot/internal/config"
	"rotabot/internal/executor"
	"rotabot/internal/state"
)

type fakeSession struct{ name string }

func (s fakeSession) Username() string { return s.name }

type fakeExecutor struct {
	mu     sync.Mutex
	sends  map[string]int
	titles map[string]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{sends: map[string]int{}, titles: map[string]int{}}
}

func (f *fakeExecutor) Login(ctx context.Context, cred executor.Credential) (executor.Session, error) {
	if cred.Token == "expired" {
		return nil, executor.ErrAuth
	}
	return fakeSession{name: cred.Token}, ctx.Err()
}

func (f *fakeExecutor) SendMessage(_ context.Context, _ executor.Session, threadID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[threadID]++
	return nil
}

func (f *fakeExecutor) ChangeTitle(_ context.Context, _ executor.Session, threadID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[threadID]++
	return nil
}

func (f *fakeExecutor) counts(thread string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[thread], f.titles[thread]
}

const fleetYAML = `
logging:
  level: error
  console: false
fleet:
  burst_count: 1
  refresh_delay: 1
  login_stagger: 0
  max_login_retries: 1
  restart_delay: 1
  status_interval: 1h
groups:
  - thread_id: 340282
    name: ops
    delay_between_msgs: 1
    message: ["hi", "yo"]
    titles: ["A", "B"]
    accounts:
      - session_id: sess-aaaaaaaaaaaa
      - session_id: sess-bbbbbbbbbbbb
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rotabot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppRunsFleetAndServesHealth(t *testing.T) {
	exec := newFakeExecutor()
	a, err := New(Options{
		ConfigPath: writeConfig(t, fleetYAML),
		Viper:      viper.New(),
		HealthAddr: "127.0.0.1:0",
		Executor:   exec,
	})
	require.NoError(t, err)
	require.Len(t, a.Config().Groups, 1)

	require.NoError(t, a.Start(context.Background()))
	require.Len(t, a.Specs(), 4)

	require.Eventually(t, func() bool {
		st := a.State()
		return st.Count(state.CounterMessage) == 2 && st.Count(state.CounterTitle) == 2
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		sends, titles := exec.counts("340282")
		return sends > 0 && titles > 0
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return a.Health().Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + a.Health().Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Status               string            `json:"status"`
		ActiveMessageWorkers int               `json:"active_message_workers"`
		Logins               map[string]string `json:"logins"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 2, body.ActiveMessageWorkers)
	require.Len(t, body.Logins, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	require.Zero(t, a.State().Count(state.CounterMessage))
	require.Zero(t, a.State().Count(state.CounterTitle))
}

func TestAppStartsWithMalformedGroups(t *testing.T) {
	v := viper.New()
	v.Set("GROUPS_JSON", "{not json")
	a, err := New(Options{Viper: v, HealthAddr: "127.0.0.1:0", Executor: newFakeExecutor()})
	require.NoError(t, err)
	require.Empty(t, a.Config().Groups)
	require.Error(t, a.env.GroupsErr)

	require.NoError(t, a.Start(context.Background()))
	require.Empty(t, a.Specs())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
}

func TestNewRejectsUnknownExecutor(t *testing.T) {
	_, err := New(Options{
		ConfigPath: writeConfig(t, "executor:\n  driver: carrier-pigeon\n"),
		Viper:      viper.New(),
	})
	require.Error(t, err)
}

func TestReasonForSignal(t *testing.T) {
	t.Parallel()
	require.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	require.Equal(t, StopSIGTERM, ReasonForSignal(syscall.SIGTERM))
	require.Equal(t, StopUnknown, ReasonForSignal(syscall.SIGHUP))
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		storage *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", storage: &config.StorageConfig{Driver: "none"}},
		{name: "file", storage: &config.StorageConfig{Driver: "FILE", Path: "./audit"}, enabled: true, driver: "file"},
		{name: "sqlite", storage: &config.StorageConfig{Driver: "sqlite", Path: "./audit.db"}, enabled: true, driver: "sqlite"},
		{name: "sqlite without path", storage: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", storage: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.storage})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.enabled, enabled)
			require.Equal(t, tt.driver, sc.Driver)
			if tt.driver == "sqlite" {
				require.Equal(t, time.Second, sc.BusyTimeout)
			}
		})
	}
}
