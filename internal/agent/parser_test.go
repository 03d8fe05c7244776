package agent

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Command
		wantAck bool
		ok      bool
	}{
		{
			name: "optimistic delivery",
			data: `{"cmd":"whoami"}`,
			want: Command{Cmd: "whoami"},
			ok:   true,
		},
		{
			name:    "ack delivery",
			data:    `{"cmd":"uname -a","taskId":"0190a6b2-7c1e-7000-8000-000000000001"}`,
			want:    Command{Cmd: "uname -a", TaskID: "0190a6b2-7c1e-7000-8000-000000000001"},
			wantAck: true,
			ok:      true,
		},
		{
			name: "missing cmd",
			data: `{"taskId":"t1"}`,
			ok:   false,
		},
		{
			name: "blank cmd",
			data: `{"cmd":"  "}`,
			ok:   false,
		},
		{
			name: "not json",
			data: `cmd=whoami`,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand([]byte(tt.data))
			if (err == nil) != tt.ok {
				t.Fatalf("parseCommand() err = %v, want ok %v", err, tt.ok)
			}
			if got != tt.want {
				t.Errorf("parseCommand() got = %+v, want %+v", got, tt.want)
			}
			if got.NeedsAck() != tt.wantAck {
				t.Errorf("NeedsAck() = %v, want %v", got.NeedsAck(), tt.wantAck)
			}
		})
	}
}
