package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantMax  int
		wantDump bool
		wantErr  bool
	}{
		{name: "defaults", yaml: "", wantMax: defaultMaxSlots},
		{name: "max slots", yaml: "proxy:\n  max-slots: 64\n", wantMax: 64},
		{name: "hexdump", yaml: "output:\n  hexdump: true\n", wantMax: defaultMaxSlots, wantDump: true},
		{name: "negative", yaml: "proxy:\n  max-slots: -1\n", wantErr: true},
		{name: "too large", yaml: "proxy:\n  max-slots: 1000000\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			viper.SetConfigType("yaml")
			if err := viper.ReadConfig(strings.NewReader(tt.yaml)); err != nil {
				t.Fatalf("failed to read config: %v", err)
			}
			c, err := LoadConfig()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfig failed: %v", err)
			}
			if c.Proxy.MaxSlots != tt.wantMax {
				t.Errorf("MaxSlots = %d, want %d", c.Proxy.MaxSlots, tt.wantMax)
			}
			if c.Output.Hexdump != tt.wantDump {
				t.Errorf("Hexdump = %t, want %t", c.Output.Hexdump, tt.wantDump)
			}
		})
	}
}

func TestLoadConfigFlagOverride(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set("proxy.max-slots", 12)
	c, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Proxy.MaxSlots != 12 {
		t.Fatalf("MaxSlots = %d, want 12", c.Proxy.MaxSlots)
	}
}
