package napi

import (
	"encoding/json"

	"github.com/napi-network/napi/pkg/ipaddr"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
)

// Fixed bucket identifiers. A test deployment sees them behind the
// "test_" prefix.
const (
	bucketNics         = "napi_nics"
	bucketNetworks     = "napi_networks"
	bucketNetworkPools = "napi_network_pools"
	bucketNicTags      = "napi_nic_tags"
	bucketAggregations = "napi_aggregations"
	bucketFabrics      = "napi_fabrics"
	bucketFabricVLANs  = "napi_fabric_vlans"
	ipBucketBase       = "napi_ips_"

	// Overlay tables consumed by the out-of-band mapping service.
	bucketVL2      = "napi_vnet_macs"
	bucketVL3      = "napi_vnet_mac_ip"
	bucketUnderlay = "napi_underlay_mappings"
	bucketEvents   = "napi_net_events"
)

func (s *Service) bucketName(name string) string {
	return s.cfg.BucketPrefix() + name
}

// ipBucketName derives the per-network IP bucket name from the network
// UUID.
func (s *Service) ipBucketName(networkUUID string) string {
	return s.bucketName(ipBucketBase + util.BucketSafe(networkUUID))
}

func (s *Service) nicsBucket() *store.Bucket {
	return &store.Bucket{
		Name:             s.bucketName(bucketNics),
		Version:          2,
		MigrationVersion: 2,
		KeyType:          store.KeyNumber,
		Index: []string{
			"mac", "belongs_to_uuid", "belongs_to_type", "owner_uuid",
			"primary_flag", "state", "network_uuid", "nic_tag", "cn_uuid",
			"underlay", "nic_tags_provided",
		},
	}
}

func (s *Service) networksBucket() *store.Bucket {
	return &store.Bucket{
		Name:             s.bucketName(bucketNetworks),
		Version:          2,
		MigrationVersion: 2,
		KeyType:          store.KeyString,
		Index: []string{
			"name", "nic_tag", "vlan_id", "vnet_id", "fabric", "family",
		},
	}
}

func (s *Service) poolsBucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketNetworkPools),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"name", "nic_tag", "family"},
	}
}

func (s *Service) nicTagsBucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketNicTags),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"name", "mtu"},
	}
}

func (s *Service) aggrsBucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketAggregations),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"belongs_to_uuid", "name", "nic_tags_provided"},
	}
}

func (s *Service) fabricsBucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketFabrics),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"owner_uuid", "vnet_id", "vpc_uuid"},
	}
}

func (s *Service) fabricVLANsBucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketFabricVLANs),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"owner_uuid", "vpc_uuid", "vlan_id", "vnet_id"},
	}
}

// ipBucket declares the per-network address bucket. Address keys accept
// both the legacy numeric and the string wire form through the key
// codec.
func (s *Service) ipBucket(networkUUID string) *store.Bucket {
	return &store.Bucket{
		Name:             s.ipBucketName(networkUUID),
		Version:          2,
		MigrationVersion: 2,
		KeyType:          store.KeyAddr,
		Index: []string{
			"belongs_to_uuid", "owner_uuid", "belongs_to_type", "reserved",
			"network_uuid",
		},
	}
}

func (s *Service) vl2Bucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketVL2),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"vnet_id", "cn_uuid", "mac"},
	}
}

func (s *Service) vl3Bucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketVL3),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"vnet_id", "cn_uuid", "mac", "ip"},
	}
}

func (s *Service) underlayBucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketUnderlay),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"cn_uuid", "mac"},
	}
}

func (s *Service) eventsBucket() *store.Bucket {
	return &store.Bucket{
		Name:    s.bucketName(bucketEvents),
		Version: 2,
		KeyType: store.KeyString,
		Index:   []string{"vnet_id", "cn_uuid", "type"},
	}
}

// migrations lists every fixed bucket with its record-migration
// function. Per-network IP buckets are migrated separately (Init walks
// the network list).
func (s *Service) migrations() []store.Migration {
	return []store.Migration{
		{Bucket: s.nicTagsBucket()},
		{Bucket: s.networksBucket(), Migrate: migrateVersionOnly},
		{Bucket: s.poolsBucket()},
		{Bucket: s.nicsBucket(), Migrate: migrateNicRecord},
		{Bucket: s.aggrsBucket()},
		{Bucket: s.fabricsBucket()},
		{Bucket: s.fabricVLANsBucket()},
		{Bucket: s.vl2Bucket()},
		{Bucket: s.vl3Bucket()},
		{Bucket: s.underlayBucket()},
		{Bucket: s.eventsBucket()},
	}
}

// migrateVersionOnly bumps a record's v field without touching the body.
func migrateVersionOnly(key string, value []byte) ([]byte, error) {
	rec, current, err := decodeVersioned(value)
	if err != nil || current {
		return nil, err
	}
	rec["v"] = recordVersion
	return json.Marshal(rec)
}

// migrateNicRecord brings v1 NIC records to v2: numeric MAC field and
// the current version tag. v1 stored the MAC only as the record key.
func migrateNicRecord(key string, value []byte) ([]byte, error) {
	rec, current, err := decodeVersioned(value)
	if err != nil || current {
		return nil, err
	}
	if _, ok := rec["mac"]; !ok {
		rec["mac"] = json.Number(key)
	}
	rec["v"] = recordVersion
	return json.Marshal(rec)
}

// migrateIPRecord brings v1 IP records to v2: string addresses
// (use_strings) instead of the legacy numeric uint32 form.
func migrateIPRecord(key string, value []byte) ([]byte, error) {
	rec, current, err := decodeVersioned(value)
	if err != nil {
		return nil, err
	}
	if current {
		if us, ok := rec["use_strings"].(bool); ok && us {
			return nil, nil
		}
	}
	if raw, ok := rec["ip"]; ok {
		var ipStr string
		switch v := raw.(type) {
		case string:
			ipStr = v
		case float64:
			ipStr = ipaddr.Canonical(ipaddr.FromUint32(uint32(v)))
		}
		if ipStr != "" {
			addr, err := ipaddr.Parse(ipStr)
			if err != nil {
				return nil, err
			}
			rec["ip"] = ipaddr.Canonical(addr)
		}
	}
	rec["use_strings"] = true
	rec["v"] = recordVersion
	return json.Marshal(rec)
}

func decodeVersioned(value []byte) (map[string]interface{}, bool, error) {
	var rec map[string]interface{}
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, false, err
	}
	if v, ok := rec["v"].(float64); ok && int(v) >= recordVersion {
		return rec, true, nil
	}
	return rec, false, nil
}
