package vm

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDecodeObject(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]any
		wantErr bool
	}{
		{
			name:  "object",
			input: `{"UUID":"abc-123","Zpool":"zones"}`,
			want:  map[string]any{"UUID": "abc-123", "Zpool": "zones"},
		},
		{
			name:  "surrounding whitespace",
			input: "\n  {\"vmapi_domain\":\"vmapi.example.com\"}\n",
			want:  map[string]any{"vmapi_domain": "vmapi.example.com"},
		},
		{
			name:  "large integers keep every digit",
			input: `{"Boot Time":9007199254740993,"CPU Total Cores":48}`,
			want:  map[string]any{"Boot Time": json.Number("9007199254740993"), "CPU Total Cores": json.Number("48")},
		},
		{name: "empty", input: "", wantErr: true},
		{name: "null", input: "null", wantErr: true},
		{name: "array", input: `[{"UUID":"abc"}]`, wantErr: true},
		{name: "truncated", input: `{"UUID":`, wantErr: true},
		{name: "trailing document", input: `{"a":1}{"b":2}`, wantErr: true},
		{name: "shell noise", input: "config.sh: line 3: warning\n{}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeObject([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeObject() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("decodeObject() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFactsAreReadOnly(t *testing.T) {
	id := NewIdentity(map[string]any{
		"UUID": "abc-123",
		"Network Interfaces": map[string]any{
			"ixgbe0": map[string]any{"MAC Address": "00:1b:21:aa:bb:cc"},
		},
	})

	nics, ok := id.Lookup("Network Interfaces")
	if !ok {
		t.Fatal("Lookup() missing Network Interfaces")
	}
	nics.(map[string]any)["ixgbe0"] = "overwritten"

	whole := id.Map()
	whole["UUID"] = "someone-else"

	again, _ := id.Lookup("Network Interfaces")
	if _, ok := again.(map[string]any)["ixgbe0"].(map[string]any); !ok {
		t.Fatalf("nested value changed through Lookup copy: %v", again)
	}
	if got, _ := id.MachineID(); got != "abc-123" {
		t.Fatalf("MachineID() = %q after mutating Map copy", got)
	}
}

func TestFactsString(t *testing.T) {
	p := NewProvisioning(map[string]any{
		"vmapi_domain":   "  vmapi.example.com ",
		"blank":          "   ",
		"datacenter_num": 1.0,
	})

	if got, ok := p.VMAPIDomain(); !ok || got != "vmapi.example.com" {
		t.Fatalf("VMAPIDomain() = %q, %v", got, ok)
	}
	if _, ok := p.String("blank"); ok {
		t.Fatal("String(blank) reported a value")
	}
	if _, ok := p.String("datacenter_num"); ok {
		t.Fatal("String() accepted a number")
	}
	if _, ok := p.String("missing"); ok {
		t.Fatal("String(missing) reported a value")
	}
	if want := []string{"blank", "datacenter_num", "vmapi_domain"}; !reflect.DeepEqual(p.Keys(), want) {
		t.Fatalf("Keys() = %v, want %v", p.Keys(), want)
	}
}

func TestFactsRoundTripLargeNumbers(t *testing.T) {
	values, err := decodeObject([]byte(`{"UUID":"abc-123","Boot Time":9007199254740993}`))
	if err != nil {
		t.Fatalf("decodeObject() error = %v", err)
	}
	id := NewIdentity(values)

	got, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if want := `{"Boot Time":9007199254740993,"UUID":"abc-123"}`; string(got) != want {
		t.Fatalf("Marshal() = %s, want %s", got, want)
	}
	if boot := id.Map()["Boot Time"]; boot != json.Number("9007199254740993") {
		t.Fatalf("Map()[Boot Time] = %#v", boot)
	}
}
