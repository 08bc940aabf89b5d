package logging

import "testing"

func TestNew(t *testing.T) {
	for _, env := range []string{"production", "dev"} {
		log, err := New(env, "debug")
		if err != nil {
			t.Fatalf("new %s logger: %v", env, err)
		}
		if !log.Core().Enabled(-1) {
			t.Fatalf("%s logger should enable debug", env)
		}
	}
	if _, err := New("dev", "loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
