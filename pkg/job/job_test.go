package job

import "testing"

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:  false,
		StatusQueued:   false,
		StatusRunning:  false,
		StatusPaused:   false,
		StatusSuccess:  true,
		StatusError:    true,
		StatusCanceled: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("Status(%q).Terminal() = %v, want %v", status, got, want)
		}
	}
}
