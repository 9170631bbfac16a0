package closecode

import "testing"

func TestCanReconnect(t *testing.T) {
	tests := []struct {
		name string
		code Code
		want bool
	}{
		{name: "normal closure does not reconnect", code: NormalClosure, want: false},
		{name: "going away reconnects", code: GoingAway, want: true},
		{name: "internal error reconnects", code: InternalError, want: true},
		{name: "service restart reconnects", code: ServiceRestart, want: true},
		{name: "try again later reconnects", code: TryAgainLater, want: true},
		{name: "bad gateway reconnects", code: BadGateway, want: true},
		{name: "protocol error does not reconnect", code: ProtocolError, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanReconnect(tt.code); got != tt.want {
				t.Errorf("CanReconnect(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe(NormalClosure); got == "" || got == "unknown close code" {
		t.Errorf("Describe(NormalClosure) = %q", got)
	}
	if got := Describe(Code(9999)); got != "unknown close code" {
		t.Errorf("Describe(9999) = %q, want unknown close code", got)
	}
}
