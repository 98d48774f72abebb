package store

import "testing"

func TestFilterMatch(t *testing.T) {
	record := map[string]interface{}{
		"owner":   "vm1",
		"state":   "running",
		"vlan_id": float64(20), // JSON numbers decode to float64
		"primary": true,
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string", Eq{"owner", "vm1"}, true},
		{"eq mismatch", Eq{"owner", "vm2"}, false},
		{"eq absent field", Eq{"mac", "aa:bb"}, false},
		{"eq presence wildcard", Eq{"owner", "*"}, true},
		{"eq wildcard absent", Eq{"mac", "*"}, false},
		{"eq numeric int vs float64", Eq{"vlan_id", 20}, true},
		{"eq bool", Eq{"primary", true}, true},
		{"ne", Ne{"owner", "vm2"}, true},
		{"ne absent field matches", Ne{"mac", "x"}, true},
		{"present", Present{"state"}, true},
		{"present absent", Present{"mac"}, false},
		{"lte", Lte{"vlan_id", 20}, true},
		{"lte below", Lte{"vlan_id", 19}, false},
		{"gte", Gte{"vlan_id", 20}, true},
		{"and", And{Eq{"owner", "vm1"}, Eq{"state", "running"}}, true},
		{"and short", And{Eq{"owner", "vm1"}, Eq{"state", "stopped"}}, false},
		{"or", Or{Eq{"owner", "vm2"}, Eq{"state", "running"}}, true},
		{"or none", Or{Eq{"owner", "vm2"}, Eq{"state", "stopped"}}, false},
		{"not", Not{Eq{"owner", "vm2"}}, true},
	}
	for _, tt := range tests {
		if got := tt.filter.Match(record); got != tt.want {
			t.Errorf("%s: Match = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFilterString(t *testing.T) {
	f := And{
		Eq{"belongs_to_uuid", "vm1"},
		Not{Eq{"state", "provisioning"}},
		Or{Eq{"nic_tag", "external"}, Present{"network_uuid"}},
	}
	want := "(&(belongs_to_uuid=vm1)(!(state=provisioning))(|(nic_tag=external)(network_uuid=*)))"
	if got := f.String(); got != want {
		t.Errorf("String:\n got %s\nwant %s", got, want)
	}
}

func TestFilterFields(t *testing.T) {
	f := And{
		Eq{"owner", "x"},
		Or{Eq{"state", "running"}, Eq{"owner", "y"}},
		Not{Present{"mac"}},
	}
	got := f.Fields()
	want := []string{"mac", "owner", "state"}
	if len(got) != len(want) {
		t.Fatalf("Fields: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Fields[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidateFilter(t *testing.T) {
	b := &Bucket{Name: "b", Index: []string{"owner", "state"}}
	if err := validateFilter(b, And{Eq{"owner", "x"}, Eq{"state", "y"}}); err != nil {
		t.Errorf("indexed fields should validate: %v", err)
	}
	if err := validateFilter(b, Eq{"mtu", 1500}); err == nil {
		t.Error("unindexed field should be rejected")
	}
	if err := validateFilter(b, nil); err != nil {
		t.Errorf("nil filter: %v", err)
	}
}
