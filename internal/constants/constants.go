package constants

import "time"

const (
	AppName = "gardenlink"
	Version = "1.4.0"
)

// Network defaults
const (
	DefaultCommandPort     = 5001
	DefaultKeyExchangePort = 5002
	DefaultRendezvousPort  = 443
	DefaultRendezvousPath  = "/station"
	DefaultLoopbackHost    = "127.0.0.1"
	MinPort                = 1
	MaxPort                = 65535
	ReadBufferSize         = 8192
	CopyBufferSize         = 65536
	MaxFrameSize           = 64 * 1024 * 1024 // 64MB
)

// Timeouts
const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultIOTimeout        = 5 * time.Second
	DefaultKeepAlive        = 30 * time.Second
	DefaultRetryInterval    = 60 * time.Second
	DefaultSessionIdle      = 10 * time.Minute
	SessionReapInterval     = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	ShutdownTimeout         = 5 * time.Second
)

// Key material
const (
	AESKeySize = 32
	AESIVSize  = 16
	RSAKeyBits = 2048
)

// AckToken confirms receipt of a handshake step. Both the key exchange and
// the rendezvous greeting use it.
var AckToken = []byte{200, 3, 184, 45, 234, 13, 147, 122}

// Certificates
const (
	CertificateSubject  = "gardenlink basestation"
	CertificateValidity = 5 * 365 * 24 * time.Hour
	CertificateCacheTTL = 5 * 24 * time.Hour
	CertificateCacheMax = 16
)

// Settings keys
const (
	SettingThumbprint = "certificate.thumbprint"
	SettingAESKey     = "aes.key"
	SettingAESIV      = "aes.iv"
	RedisSettingsKey  = "gardenlink:settings"
)

// Channel ciphers
const (
	CipherAESCBC           = "aes-cbc"
	CipherChaCha20Poly1305 = "chacha20poly1305"
)

// Relay framing
const (
	FramingLengthPrefix = "length-prefix"
	FramingShortRead    = "short-read"
)

// Rendezvous transports
const (
	TransportTLS = "tls"
	TransportWSS = "wss"
)

// Yamux settings for the multiplexed peer-to-peer path
const (
	YamuxMaxStreamWindowSize = 1024 * 1024
	YamuxAcceptBacklog       = 64
	YamuxKeepAliveInterval   = 30 * time.Second
	WSBufferSize             = 32768
)

// Abuse limits
const (
	MaxConnectionsPerIP  = 10
	MaxPairingFailures   = 5
	PairingBlockDuration = 15 * time.Minute
)

// Audit
const (
	MaxAuditLogsPerMinute = 120
	MinDiskSpaceRequired  = 50 * 1024 * 1024 // 50MB
)
