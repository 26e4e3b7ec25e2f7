// Package proto holds the wire and persisted-document types shared across
// bondctl's components: the JSON documents read from disk (setup, config)
// and the typed payloads carried inside the WebSocket envelope.
package proto

import "time"

// Setup is the read-only, process-wide configuration written at image build
// or provisioning time. It is never mutated by bondctl.
type Setup struct {
	Platform      string `json:"platform"`
	EncoderBin    string `json:"encoder_bin"`
	BonderBin     string `json:"bonder_bin"`
	PipelineRoot  string `json:"pipeline_root"`
	BitrateFile   string `json:"bitrate_file"`
	UplinksFile   string `json:"uplinks_file"`
	SSHUser       string `json:"ssh_user,omitempty"`
	UpgradesAllowed bool `json:"upgrades_allowed"`
}

// Config is the persisted, mutable document. SSHPassHash is held on disk
// alongside the rest of the document; the store hands it out with the rest
// of the config, and Public() strips it from any copy that is broadcast.
type Config struct {
	PasswordHash string `json:"password_hash,omitempty"`
	RemoteKey    string `json:"remote_key,omitempty"`

	Delay       int    `json:"delay"`
	Pipeline    string `json:"pipeline"`
	MaxBR       int    `json:"max_br"`
	SRTLatency  int    `json:"srt_latency"`
	SRTStreamID string `json:"srt_streamid"`
	SRTLAAddr   string `json:"srtla_addr"`
	SRTLAPort   int    `json:"srtla_port"`

	SSHPass string `json:"ssh_pass,omitempty"`

	// SSHPassHash is persisted but must be stripped from any copy that is
	// broadcast to clients or round-tripped through Public().
	SSHPassHash string `json:"ssh_pass_hash,omitempty"`
}

// Public returns a copy of cfg with fields that must never leave the process
// (the SSH shadow hash) removed. It is what gets marshalled into a "config"
// WS frame.
func (c Config) Public() Config {
	c.SSHPassHash = ""
	return c
}

// Interface is one entry of the network-interface table (C3).
type Interface struct {
	Name    string `json:"-"`
	IP      string `json:"ip"`
	TxBytes uint64 `json:"txb"`
	TP      uint64 `json:"tp"`
	Enabled bool   `json:"enabled"`
}

// WifiNetwork describes one visible SSID on a device's scan results.
type WifiNetwork struct {
	SSID      string `json:"ssid"`
	Active    bool   `json:"active"`
	Signal    int    `json:"signal"`
	Security  string `json:"security"`
	Frequency int    `json:"frequency"`
}

// WifiDevice is one wireless NIC, keyed by hardware address in the index
// that owns it.
type WifiDevice struct {
	ID          int                    `json:"id"`
	MAC         string                 `json:"-"`
	IfName      string                 `json:"ifname"`
	ActiveConn  string                 `json:"active_conn,omitempty"`
	Networks    map[string]WifiNetwork `json:"networks"`
	SavedByUUID map[string]string      `json:"-"` // ssid -> uuid
}

// NotificationKind enumerates the severity of a Notification.
type NotificationKind string

// Notification kinds recognized by the bus (C5).
const (
	KindSuccess NotificationKind = "success"
	KindWarning NotificationKind = "warning"
	KindError   NotificationKind = "error"
)

// Notification is one entry in the notification bus.
type Notification struct {
	Name        string           `json:"name,omitempty"`
	Kind        NotificationKind `json:"type"`
	Msg         string           `json:"msg"`
	Duration    int              `json:"duration"`
	Dismissable bool             `json:"dismissable"`
	Persistent  bool             `json:"-"`
	Created     time.Time        `json:"-"`
	Updated     time.Time        `json:"-"`
	LastSent    time.Time        `json:"-"`
}

// Remaining reports how many seconds are left before a timed notification
// expires, as of now. Permanent notifications (Duration == 0) never expire.
func (n Notification) Remaining(now time.Time) int {
	if n.Duration == 0 {
		return n.Duration
	}
	elapsed := now.Sub(n.Updated).Seconds()
	return n.Duration - int(elapsed)
}

// StreamParams are the operator-supplied fields validated and applied by
// the streaming supervisor's Start (C6).
type StreamParams struct {
	Delay       int    `json:"delay"`
	Pipeline    string `json:"pipeline"`
	MaxBR       int    `json:"max_br"`
	SRTLatency  int    `json:"srt_latency"`
	SRTStreamID string `json:"srt_streamid"`
	SRTLAAddr   string `json:"srtla_addr"`
	SRTLAPort   int    `json:"srtla_port"`
}

// SSHStatus is the reply payload for ssh status queries (C11).
type SSHStatus struct {
	Username string `json:"username"`
	Active   bool   `json:"active"`
	UserPass bool   `json:"user_pass"`
}

// UpdateStatus is the progress payload broadcast by the update orchestrator
// (C10) while a package upgrade is in flight.
type UpdateStatus struct {
	Downloading int  `json:"downloading"`
	Unpacking   int  `json:"unpacking"`
	SettingUp   int  `json:"setting_up"`
	Total       int  `json:"total"`
	Updating    bool `json:"-"`
}

// AvailableUpdates is broadcast after a successful catalog refresh.
type AvailableUpdates struct {
	PackageCount int   `json:"package_count"`
	DownloadSize int64 `json:"download_size"`
}
