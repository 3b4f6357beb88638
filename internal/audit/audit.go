package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sirupsen/logrus"

	"gardenlink/internal/constants"
	"gardenlink/internal/logger"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Remote    string    `json:"remote,omitempty"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
}

const (
	EventPairingSuccess        = "pairing_success"
	EventAckMismatch           = "ack_mismatch"
	EventCertificateCreated    = "certificate_created"
	EventCertificateRegenerate = "certificate_regenerated"
	EventRendezvousRejected    = "rendezvous_rejected"
	EventRendezvousConnected   = "rendezvous_connected"
	EventKeyMaterialReset      = "key_material_reset"
)

// Logger appends security relevant events as JSON lines. A nil *Logger
// accepts every call and records nothing.
type Logger struct {
	mu          sync.Mutex
	file        *os.File
	enc         *json.Encoder
	logDir      string
	log         *logrus.Entry
	logCount    int
	windowStart time.Time
	lowDisk     bool
}

// New opens path for appending. An empty path selects a dated file in the
// per-OS audit directory.
func New(path string, log *logrus.Entry) (*Logger, error) {
	if path == "" {
		dir, err := getAuditLogDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, fmt.Sprintf("audit-%s.log", time.Now().Format("2006-01-02")))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:        file,
		enc:         json.NewEncoder(file),
		logDir:      dir,
		log:         logger.OrDiscard(log),
		windowStart: time.Now(),
	}, nil
}

func getAuditLogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", constants.AppName, "audit"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Logs", constants.AppName, "audit"), nil
	default:
		return filepath.Join(home, ".local", "share", constants.AppName, "audit"), nil
	}
}

func (al *Logger) Log(event Event) {
	if al == nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.enc == nil {
		return
	}

	now := time.Now()
	if now.Sub(al.windowStart) > time.Minute {
		al.windowStart = now
		al.logCount = 0
		al.lowDisk = false
	}
	if al.logCount >= constants.MaxAuditLogsPerMinute {
		return
	}

	if free, ok := al.freeDiskSpace(); ok && free < constants.MinDiskSpaceRequired {
		if !al.lowDisk {
			al.log.WithField("free", sizestr.ToString(free)).Warn("Audit log suspended, disk almost full")
			al.lowDisk = true
		}
		return
	}

	al.logCount++
	event.Timestamp = now
	if err := al.enc.Encode(event); err != nil {
		al.log.WithError(err).Warn("Failed to write audit event")
	}
}

func (al *Logger) PairingSuccess(remote string) {
	al.Log(Event{
		EventType: EventPairingSuccess,
		Remote:    remote,
		Details:   "Channel key delivered",
		Severity:  "info",
	})
}

func (al *Logger) AckMismatch(remote, stage string) {
	al.Log(Event{
		EventType: EventAckMismatch,
		Remote:    remote,
		Details:   fmt.Sprintf("Unexpected acknowledgement during %s", stage),
		Severity:  "warning",
	})
}

func (al *Logger) CertificateCreated(thumbprint string, regenerated bool) {
	ev := Event{
		EventType: EventCertificateCreated,
		Details:   fmt.Sprintf("Self-signed certificate %s created", thumbprint),
		Severity:  "info",
	}
	if regenerated {
		ev.EventType = EventCertificateRegenerate
		ev.Details = fmt.Sprintf("Stored certificate unusable, replaced by %s", thumbprint)
		ev.Severity = "warning"
	}
	al.Log(ev)
}

func (al *Logger) RendezvousRejected(remote string, attempt int) {
	al.Log(Event{
		EventType: EventRendezvousRejected,
		Remote:    remote,
		Details:   fmt.Sprintf("Rendezvous greeting not acknowledged (attempt %d)", attempt),
		Severity:  "warning",
	})
}

func (al *Logger) RendezvousConnected(remote string) {
	al.Log(Event{
		EventType: EventRendezvousConnected,
		Remote:    remote,
		Details:   "Rendezvous session established",
		Severity:  "info",
	})
}

func (al *Logger) KeyMaterialReset() {
	al.Log(Event{
		EventType: EventKeyMaterialReset,
		Details:   "Channel key was wrapped by a replaced certificate, new key generated; paired clients must pair again",
		Severity:  "warning",
	})
}

func (al *Logger) Close() error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.file != nil {
		err := al.file.Close()
		al.file = nil
		al.enc = nil
		return err
	}
	return nil
}
