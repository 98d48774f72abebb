package napi

import (
	"net/netip"
	"strconv"

	"github.com/napi-network/napi/pkg/ipaddr"
	"github.com/napi-network/napi/pkg/macaddr"
	"github.com/napi-network/napi/pkg/util"
)

// recordVersion is the schema version written into new records of every
// bucket. The migrator brings older records forward.
const recordVersion = 2

// Belongs-to types a NIC or IP assignment may carry.
const (
	BelongsToServer = "server"
	BelongsToZone   = "zone"
	// BelongsToOther marks bootstrap records (gateway, resolvers,
	// broadcast) and operator-held addresses.
	BelongsToOther = "other"
)

// NIC lifecycle states.
const (
	StateProvisioning = "provisioning"
	StateStopped      = "stopped"
	StateRunning      = "running"
)

// LACP modes for aggregations.
const (
	LACPOff     = "off"
	LACPActive  = "active"
	LACPPassive = "passive"
)

// NicTag is a named tag with an MTU, referenced by networks and NICs.
type NicTag struct {
	V    int    `json:"v"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
	MTU  int    `json:"mtu"`
}

// Network is a logical L3 network with a subnet, provision range, and
// optional fabric attributes. Addresses persist in canonical string
// form; the store codec accepts the legacy numeric form on read.
type Network struct {
	V                  int               `json:"v"`
	UUID               string            `json:"uuid"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Family             ipaddr.Family     `json:"family"`
	NicTag             string            `json:"nic_tag"`
	VLANID             int               `json:"vlan_id"`
	Subnet             string            `json:"subnet"`
	ProvisionStart     string            `json:"provision_start"`
	ProvisionEnd       string            `json:"provision_end"`
	Gateway            string            `json:"gateway,omitempty"`
	GatewayProvisioned bool              `json:"gateway_provisioned,omitempty"`
	Resolvers          []string          `json:"resolvers,omitempty"`
	Routes             map[string]string `json:"routes,omitempty"`
	OwnerUUIDs         []string          `json:"owner_uuids,omitempty"`
	Fabric             bool              `json:"fabric,omitempty"`
	VnetID             int               `json:"vnet_id,omitempty"`
	InternetNAT        bool              `json:"internet_nat,omitempty"`
	MTU                int               `json:"mtu,omitempty"`
}

// SubnetPrefix returns the parsed subnet.
func (n *Network) SubnetPrefix() (netip.Prefix, error) {
	return ipaddr.ParsePrefix(n.Subnet)
}

// ProvisionRange returns the parsed provision start and end addresses.
func (n *Network) ProvisionRange() (start, end netip.Addr, err error) {
	start, err = ipaddr.Parse(n.ProvisionStart)
	if err != nil {
		return
	}
	end, err = ipaddr.Parse(n.ProvisionEnd)
	return
}

// Contains reports whether an address lies inside the network's subnet.
func (n *Network) Contains(addr netip.Addr) bool {
	pfx, err := n.SubnetPrefix()
	if err != nil {
		return false
	}
	return pfx.Contains(addr)
}

// AllowsOwner applies the network owner check: networks without an owner
// set allow everyone; otherwise the owner must be listed or be the
// admin account.
func (n *Network) AllowsOwner(owner, admin string) bool {
	if len(n.OwnerUUIDs) == 0 {
		return true
	}
	if admin != "" && owner == admin {
		return true
	}
	return util.StringsContain(n.OwnerUUIDs, owner)
}

// NetworkPool is an ordered set of networks sharing a nic tag and
// family. Provisioning walks the list in order.
type NetworkPool struct {
	V          int           `json:"v"`
	UUID       string        `json:"uuid"`
	Name       string        `json:"name"`
	NicTag     string        `json:"nic_tag"`
	Family     ipaddr.Family `json:"family"`
	Networks   []string      `json:"networks"`
	OwnerUUIDs []string      `json:"owner_uuids,omitempty"`
}

// Fabric is a per-owner (or per-VPC) record holding the owner's 24-bit
// virtual network id. VPC records extend the base fabric with an
// aggregate CIDR and a usage counter whose cap is enforced externally.
type Fabric struct {
	V         int    `json:"v"`
	OwnerUUID string `json:"owner_uuid"`
	VnetID    int    `json:"vnet_id"`
	VPCUUID   string `json:"vpc_uuid,omitempty"`
	IP4CIDR   string `json:"ip4_cidr,omitempty"`
	// Quota caps the networks a VPC may hold; zero means the cap is
	// enforced elsewhere.
	Quota     int `json:"quota,omitempty"`
	QuotaUsed int `json:"quota_used,omitempty"`
}

// FabricVLAN is one VLAN inside an owner's (or VPC's) fabric.
type FabricVLAN struct {
	V           int    `json:"v"`
	OwnerUUID   string `json:"owner_uuid"`
	VPCUUID     string `json:"vpc_uuid,omitempty"`
	VLANID      int    `json:"vlan_id"`
	VnetID      int    `json:"vnet_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// IP is one address record in a per-network bucket. The assignment
// triplet {BelongsToUUID, BelongsToType, OwnerUUID} is either fully
// present (assigned) or fully absent (free). Freed addresses keep their
// record so the reserved flag persists.
type IP struct {
	V           int    `json:"v"`
	UseStrings  bool   `json:"use_strings"`
	IP          string `json:"ip"`
	NetworkUUID string `json:"network_uuid"`
	Reserved    bool   `json:"reserved"`

	BelongsToUUID string `json:"belongs_to_uuid,omitempty"`
	BelongsToType string `json:"belongs_to_type,omitempty"`
	OwnerUUID     string `json:"owner_uuid,omitempty"`
}

// Assigned reports whether the assignment triplet is fully present.
func (ip *IP) Assigned() bool {
	return ip.BelongsToUUID != "" && ip.BelongsToType != "" && ip.OwnerUUID != ""
}

// Provisionable reports whether the address may be handed out to a
// caller: free records qualify, and so do bootstrap records held by
// belongs_to_type=other or by the admin account (they can be taken
// over). Reserved addresses never qualify for automatic allocation but
// remain explicitly requestable when free.
func (ip *IP) Provisionable(admin string) bool {
	if !ip.Assigned() {
		return true
	}
	if ip.BelongsToType == BelongsToOther {
		return true
	}
	return admin != "" && ip.OwnerUUID == admin
}

// unassign clears the assignment triplet, keeping the reserved flag.
func (ip *IP) unassign() {
	ip.BelongsToUUID = ""
	ip.BelongsToType = ""
	ip.OwnerUUID = ""
}

// NIC is a MAC-addressed attachment between an owner's entity and at
// most one network address. Keyed by the numeric MAC in the NIC bucket.
type NIC struct {
	V             int    `json:"v"`
	MAC           uint64 `json:"mac"`
	OwnerUUID     string `json:"owner_uuid"`
	BelongsToUUID string `json:"belongs_to_uuid"`
	BelongsToType string `json:"belongs_to_type"`
	Primary       bool   `json:"primary_flag"`
	State         string `json:"state"`

	// Denormalized from the held IP for overlay lookups.
	IP          string `json:"ip,omitempty"`
	NetworkUUID string `json:"network_uuid,omitempty"`
	NicTag      string `json:"nic_tag,omitempty"`

	// CNUUID is the compute node hosting a fabric VNIC.
	CNUUID   string `json:"cn_uuid,omitempty"`
	Underlay bool   `json:"underlay,omitempty"`

	AllowIPSpoofing        bool `json:"allow_ip_spoofing,omitempty"`
	AllowMACSpoofing       bool `json:"allow_mac_spoofing,omitempty"`
	AllowDHCPSpoofing      bool `json:"allow_dhcp_spoofing,omitempty"`
	AllowRestrictedTraffic bool `json:"allow_restricted_traffic,omitempty"`
	AllowUnfilteredPromisc bool `json:"allow_unfiltered_promisc,omitempty"`

	Model string `json:"model,omitempty"`
	// NicTagsProvided is the comma-separated tag list a physical NIC
	// advertises.
	NicTagsProvided string `json:"nic_tags_provided,omitempty"`
}

// MACAddr returns the typed MAC.
func (n *NIC) MACAddr() macaddr.MAC {
	return macaddr.MAC(n.MAC)
}

// Key returns the NIC's store key (decimal numeric MAC).
func (n *NIC) Key() string {
	return strconv.FormatUint(n.MAC, 10)
}

// Aggregation is a server-side LACP bundle of NIC MACs. Its id is
// belongs_to_uuid + "-" + name.
type Aggregation struct {
	V               int      `json:"v"`
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	BelongsToUUID   string   `json:"belongs_to_uuid"`
	MACs            []uint64 `json:"macs"`
	LACPMode        string   `json:"lacp_mode"`
	NicTagsProvided string   `json:"nic_tags_provided,omitempty"`
}

// AggrID derives the aggregation id.
func AggrID(belongsTo, name string) string {
	return belongsTo + "-" + name
}
