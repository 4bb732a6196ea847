package gateway

import (
	"testing"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

func TestParseConfigurations(t *testing.T) {
	raw := []byte(`
gateways:
  - name: primary
    type: africastalking
    username: strathmore
    api_key_env: AT_API_KEY
    sender_id: STRATHU
    default: true
  - name: local
    type: sandbox
    active: false
`)
	env := map[string]string{"AT_API_KEY": "secret"}
	cfgs, err := ParseConfigurations(raw, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("ParseConfigurations: %v", err)
	}
	if len(cfgs) != 2 {
		t.Fatalf("got %d configs", len(cfgs))
	}
	if cfgs[0].APIKey != "secret" || !cfgs[0].IsDefault || !cfgs[0].Active {
		t.Errorf("primary = %+v", cfgs[0])
	}
	if cfgs[1].Type != model.GatewaySandbox || cfgs[1].Active {
		t.Errorf("local = %+v", cfgs[1])
	}
}

func TestParseConfigurationsRejects(t *testing.T) {
	tests := map[string]string{
		"missing key": "gateways:\n  - name: a\n    api_key_env: NOPE\n",
		"bad type":    "gateways:\n  - name: a\n    type: twilio\n",
		"two default": "gateways:\n  - {name: a, type: sandbox, default: true}\n  - {name: b, type: sandbox, default: true}\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfigurations([]byte(raw), func(string) string { return "" }); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
