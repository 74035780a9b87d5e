package gcd

import (
	"path/filepath"
	"testing"
	"time"

	"deviceagent/internal/catalog"
	"deviceagent/internal/config"
	"deviceagent/internal/eventbus"
)

func newTestStore(t *testing.T) *config.BoltStore {
	t.Helper()
	s, err := config.NewBoltStore(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func onOffCommand() *catalog.Command {
	return &catalog.Command{
		Name:        "base.onOff",
		MinimalRole: config.RoleUser,
		Parameters: &catalog.Schema{
			Type: catalog.TypeObject,
			Properties: map[string]*catalog.Schema{
				"on": {Type: catalog.TypeBoolean},
			},
			Required: []string{"on"},
		},
	}
}

func newTestController(t *testing.T, store config.Store) *Controller {
	t.Helper()
	cat := catalog.New()
	if err := cat.LoadBase([]*catalog.Command{onOffCommand()}); err != nil {
		t.Fatal(err)
	}
	c := New(Deps{
		Store:   store,
		Catalog: cat,
		Events:  eventbus.New(nil),
	})
	t.Cleanup(c.Stop)
	return c
}

// flush blocks until every closure already posted to c's scheduler has run,
// relying on FIFO ordering among immediate tasks.
func flush(c *Controller) {
	done := make(chan struct{})
	c.sched.Post(func() { close(done) })
	<-done
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}
