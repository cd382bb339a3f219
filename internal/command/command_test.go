package command

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// TestParseEcho tests echo command parsing and argument resolution
func TestParseEcho(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		count    int
		interval time.Duration
		size     int
		wait     time.Duration
		timeout  time.Duration
	}{
		{
			name:     "defaults",
			line:     "ping",
			count:    5,
			interval: 200 * time.Millisecond,
			size:     32,
			wait:     500 * time.Millisecond,
			timeout:  100 * time.Millisecond,
		},
		{
			name:     "explicit arguments",
			line:     "ping count 10 interval 100 size 64 wait 200 timeout 50",
			count:    10,
			interval: 100 * time.Millisecond,
			size:     64,
			wait:     200 * time.Millisecond,
			timeout:  50 * time.Millisecond,
		},
		{
			name:     "interval and time derive count",
			line:     "ping interval 100 time 2000",
			count:    20,
			interval: 100 * time.Millisecond,
			size:     32,
			wait:     500 * time.Millisecond,
			timeout:  100 * time.Millisecond,
		},
		{
			name:     "zero interval falls back to default",
			line:     "ping interval 0",
			count:    5,
			interval: 200 * time.Millisecond,
			size:     32,
			wait:     500 * time.Millisecond,
			timeout:  100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.line, err)
			}
			echo, ok := cmd.(*EchoCommand)
			if !ok {
				t.Fatalf("Expected *EchoCommand, got %T", cmd)
			}
			if echo.Count != tt.count {
				t.Errorf("Expected count %d, got %d", tt.count, echo.Count)
			}
			if echo.Interval != tt.interval {
				t.Errorf("Expected interval %v, got %v", tt.interval, echo.Interval)
			}
			if echo.Size != tt.size {
				t.Errorf("Expected size %d, got %d", tt.size, echo.Size)
			}
			if echo.Wait != tt.wait {
				t.Errorf("Expected wait %v, got %v", tt.wait, echo.Wait)
			}
			if echo.Timeout != tt.timeout {
				t.Errorf("Expected timeout %v, got %v", tt.timeout, echo.Timeout)
			}
			if echo.Token == 0 {
				t.Error("Expected a token to be assigned")
			}
		})
	}
}

// TestParseSend tests send command parsing, including the rate derivation
func TestParseSend(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cmd, err := Parse("send")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		send := cmd.(*SendCommand)
		if send.Count != 100 {
			t.Errorf("Expected count 100, got %d", send.Count)
		}
		if send.Size != 1472 {
			t.Errorf("Expected size 1472, got %d", send.Size)
		}
		if send.Multicast {
			t.Error("Expected unicast by default")
		}
	})

	t.Run("multicast flag", func(t *testing.T) {
		cmd, err := Parse("send count 10 multicast true")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if !cmd.(*SendCommand).Multicast {
			t.Error("Expected multicast to be set")
		}
	})

	t.Run("trailing flag without value", func(t *testing.T) {
		cmd, err := Parse("send count 10 multicast")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if !cmd.(*SendCommand).Multicast {
			t.Error("Expected bare multicast flag to be truthy")
		}
	})

	t.Run("implicit time derives count from interval", func(t *testing.T) {
		cmd, err := Parse("send interval 10")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		// Send carries an implicit 3000 ms duration.
		if got := cmd.(*SendCommand).Count; got != 300 {
			t.Errorf("Expected count 300, got %d", got)
		}
	})
}

// TestDerivationRoundTrip checks the speed/time derivation bounds: the
// derived count covers the requested volume and count*interval lands
// within one interval of the requested duration.
func TestDerivationRoundTrip(t *testing.T) {
	cases := []struct {
		speed, timeMs, size int
	}{
		{speed: 500, timeMs: 3000, size: 1472},
		{speed: 100, timeMs: 1000, size: 512},
		{speed: 1000, timeMs: 5000, size: 1472},
		{speed: 8, timeMs: 2000, size: 64},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("speed=%d_time=%d_size=%d", c.speed, c.timeMs, c.size), func(t *testing.T) {
			line := fmt.Sprintf("send speed %d time %d size %d", c.speed, c.timeMs, c.size)
			cmd, err := Parse(line)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			send := cmd.(*SendCommand)
			volume := float64(c.speed) * 1024 * float64(c.timeMs) / 1000
			if got := float64(send.Count * c.size); got < volume-float64(c.size) {
				t.Errorf("count %d covers %v bytes, want at least %v", send.Count, got, volume-float64(c.size))
			}
			ivalUs := send.Interval.Microseconds()
			total := int64(send.Count) * ivalUs
			want := int64(c.timeMs) * 1000
			if diff := total - want; diff < -ivalUs || diff > ivalUs {
				t.Errorf("count*interval = %dus, want within %dus of %dus", total, ivalUs, want)
			}
		})
	}
}

// TestParseRejects tests the parser's rejection paths
func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "unknown command", line: "flood count 10"},
		{name: "empty line", line: ""},
		{name: "duplicate key", line: "ping count 1 count 2"},
		{name: "overlong line", line: "ping count " + strings.Repeat("1", MaxLineLen)},
		{name: "bad count value", line: "ping count ten"},
		{name: "zero count", line: "ping count 0"},
		{name: "negative count", line: "send count -5"},
		{name: "size below header", line: "send size 8"},
		{name: "mode without channel", line: "mode port 4000"},
		{name: "mode without port", line: "mode udp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.line); err == nil {
				t.Errorf("Parse(%q) should have failed", tt.line)
			}
		})
	}
}

// TestTokens tests token assignment and override
func TestTokens(t *testing.T) {
	t.Run("explicit token wins", func(t *testing.T) {
		cmd, err := Parse("ping count 3 token Q")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if got := cmd.(*EchoCommand).Token; got != 'Q' {
			t.Errorf("Expected token Q, got %c", got)
		}
	})

	t.Run("tokens rotate", func(t *testing.T) {
		seen := make(map[byte]bool)
		for i := 0; i < 10; i++ {
			cmd, err := Parse("ping count 1")
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			seen[cmd.(*EchoCommand).Token] = true
		}
		if len(seen) != 10 {
			t.Errorf("Expected 10 distinct tokens, got %d", len(seen))
		}
	})

	t.Run("line carries the token", func(t *testing.T) {
		cmd, err := Parse("ping count 3")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		echo := cmd.(*EchoCommand)
		want := fmt.Sprintf("token %c", echo.Token)
		if !strings.Contains(cmd.Line(), want) {
			t.Errorf("Line %q should contain %q", cmd.Line(), want)
		}
	})
}

// TestLineRoundTrip re-parses a serialized command and expects identical
// resolution on the other side.
func TestLineRoundTrip(t *testing.T) {
	cmd, err := Parse("send speed 500 time 3000 size 1472")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	send := cmd.(*SendCommand)

	again, err := Parse(cmd.Line())
	if err != nil {
		t.Fatalf("re-Parse(%q) failed: %v", cmd.Line(), err)
	}
	send2 := again.(*SendCommand)
	if send2.Count != send.Count || send2.Interval != send.Interval || send2.Token != send.Token {
		t.Errorf("round trip changed the command: %+v vs %+v", send, send2)
	}
}

// TestModeAndHandshake tests the auxiliary command variants
func TestModeAndHandshake(t *testing.T) {
	t.Run("mode udp", func(t *testing.T) {
		cmd, err := Parse("mode port 4000 udp")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		mode := cmd.(*ModeCommand)
		if mode.Mode != ModeUDP || mode.Port != 4000 {
			t.Errorf("Expected udp/4000, got %v/%d", mode.Mode, mode.Port)
		}
	})

	t.Run("mode multicast round trip", func(t *testing.T) {
		orig := &ModeCommand{Mode: ModeMulticast, Port: 5000}
		cmd, err := Parse(orig.Line())
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", orig.Line(), err)
		}
		mode := cmd.(*ModeCommand)
		if mode.Mode != ModeMulticast || mode.Port != 5000 {
			t.Errorf("Expected multicast/5000, got %v/%d", mode.Mode, mode.Port)
		}
	})

	t.Run("stop carries token", func(t *testing.T) {
		stop := &StopCommand{Token: 'x'}
		cmd, err := Parse(stop.Line())
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", stop.Line(), err)
		}
		if got := cmd.(*StopCommand).Token; got != 'x' {
			t.Errorf("Expected token x, got %c", got)
		}
	})

	t.Run("ack", func(t *testing.T) {
		cmd, err := Parse("ack")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if _, ok := cmd.(*AckCommand); !ok {
			t.Errorf("Expected *AckCommand, got %T", cmd)
		}
	})
}

// TestResultRoundTrip serializes a statistics report and parses it back
func TestResultRoundTrip(t *testing.T) {
	stat := &NetStat{
		Loss:        0.4,
		Delay:       12,
		MinDelay:    3,
		MaxDelay:    40,
		SendPackets: 5,
		RecvPackets: 3,
		RecvBytes:   4416,
		RecvTime:    2950,
		RecvSpeed:   1497,
	}
	line := (&ResultCommand{Stat: stat}).Line()

	cmd, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", line, err)
	}
	got := cmd.(*ResultCommand).Stat
	if *got != *stat {
		t.Errorf("round trip changed the stat:\n  sent %+v\n  got  %+v", stat, got)
	}
}
