package rpcdaemon

import (
	"encoding/hex"
	"time"

	"meshrund/internal/codeerr"
	"meshrund/internal/domain"
	"meshrund/internal/xcrypto"
)

// errCapability wraps a bare domain error as a runtime-category SDK error;
// the domain package has no notion of the wire error taxonomy.
func errCapability(err error) *codeerr.Error {
	if err == nil {
		return nil
	}
	return codeerr.Runtime(codeerr.RuntimeConflict, err.Error())
}

// --- topics / telemetry ---

func (d *Daemon) CreateTopic(name string) domain.Topic {
	return d.domain.CreateTopic(name, time.Now())
}

func (d *Daemon) GetTopic(id string) (domain.Topic, *codeerr.Error) {
	t, ok := d.domain.GetTopic(id)
	if !ok {
		return domain.Topic{}, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "topic not found")
	}
	return t, nil
}

func (d *Daemon) ListTopics() []domain.Topic { return d.domain.ListTopics() }

func (d *Daemon) SubscribeTopic(topicID string) (domain.Subscription, *codeerr.Error) {
	sub, err := d.domain.Subscribe(topicID, time.Now())
	return sub, errCapability(err)
}

func (d *Daemon) PublishTopic(topicID string, message map[string]any) (domain.TelemetryPoint, *codeerr.Error) {
	p, err := d.domain.Publish(topicID, message, time.Now())
	return p, errCapability(err)
}

func (d *Daemon) QueryTelemetry(topicID string) []domain.TelemetryPoint {
	return d.domain.QueryTelemetry(topicID)
}

// --- attachments ---

func (d *Daemon) StartUpload(totalSize int64, checksumHex string) string {
	return d.domain.StartUpload(totalSize, checksumHex)
}

func (d *Daemon) UploadChunk(uploadID string, data []byte) *codeerr.Error {
	return errCapability(d.domain.UploadChunk(uploadID, data))
}

func (d *Daemon) CommitUpload(uploadID string) (domain.Attachment, *codeerr.Error) {
	a, err := d.domain.CommitUpload(uploadID, time.Now())
	if err == domain.ErrChecksumMismatch {
		return domain.Attachment{}, codeerr.Validation(codeerr.ValidationChecksumMismatch, err.Error())
	}
	return a, errCapability(err)
}

func (d *Daemon) GetAttachment(id string) (domain.Attachment, *codeerr.Error) {
	a, ok := d.domain.GetAttachment(id)
	if !ok {
		return domain.Attachment{}, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "attachment not found")
	}
	return a, nil
}

func (d *Daemon) ListAttachments() []domain.Attachment { return d.domain.ListAttachments() }

func (d *Daemon) DownloadChunk(attachmentID string, offset, maxBytes int64) (domain.DownloadChunkResult, *codeerr.Error) {
	r, err := d.domain.DownloadChunk(attachmentID, offset, maxBytes)
	return r, errCapability(err)
}

// --- markers ---

func (d *Daemon) CreateMarker(topicID string, position map[string]any) domain.Marker {
	return d.domain.CreateMarker(topicID, position, time.Now())
}

func (d *Daemon) UpdateMarker(id string, expectedRevision int, position map[string]any) (domain.Marker, *codeerr.Error) {
	return d.domain.UpdateMarker(id, expectedRevision, position, time.Now())
}

// DeleteMarkerResult mirrors scenario S2's accepted:bool shape.
type DeleteMarkerResult struct {
	Accepted bool `json:"accepted"`
}

func (d *Daemon) DeleteMarker(id string, expectedRevision int) DeleteMarkerResult {
	return DeleteMarkerResult{Accepted: d.domain.DeleteMarker(id, expectedRevision)}
}

func (d *Daemon) GetMarker(id string) (domain.Marker, *codeerr.Error) {
	m, ok := d.domain.GetMarker(id)
	if !ok {
		return domain.Marker{}, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "marker not found")
	}
	return m, nil
}

func (d *Daemon) ListMarkers() []domain.Marker { return d.domain.ListMarkers() }

// --- identities ---

// IdentityKeyParams carries hex-encoded key material over the wire.
type IdentityKeyParams struct {
	PublicHex string `json:"public_hex"`
	VerifyHex string `json:"verify_hex"`
	Name      string `json:"name,omitempty"`
}

func (d *Daemon) ImportIdentity(p IdentityKeyParams) (domain.IdentityRecord, *codeerr.Error) {
	pubRaw, err := hex.DecodeString(p.PublicHex)
	if err != nil || len(pubRaw) != 32 {
		return domain.IdentityRecord{}, codeerr.Validation(codeerr.ValidationInvalidArgument, "malformed public_hex")
	}
	verifyRaw, err := hex.DecodeString(p.VerifyHex)
	if err != nil || len(verifyRaw) != 32 {
		return domain.IdentityRecord{}, codeerr.Validation(codeerr.ValidationInvalidArgument, "malformed verify_hex")
	}
	var pub [32]byte
	copy(pub[:], pubRaw)
	rec := d.domain.ImportIdentity(xcrypto.Identity{Public: pub, Verify: verifyRaw}, p.Name, time.Now())
	return rec, nil
}

func (d *Daemon) ExportIdentity(id string) (domain.IdentityRecord, *codeerr.Error) {
	rec, ok := d.domain.ExportIdentity(id)
	if !ok {
		return domain.IdentityRecord{}, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "identity not found")
	}
	return rec, nil
}

func (d *Daemon) ActivateIdentity(id string) *codeerr.Error {
	return errCapability(d.domain.ActivateIdentity(id))
}

func (d *Daemon) ListIdentities() []domain.IdentityRecord { return d.domain.ListIdentities() }

func (d *Daemon) ResolveIdentity(publicHex string) (domain.IdentityRecord, *codeerr.Error) {
	raw, err := hex.DecodeString(publicHex)
	if err != nil || len(raw) != 32 {
		return domain.IdentityRecord{}, codeerr.Validation(codeerr.ValidationInvalidArgument, "malformed public_hex")
	}
	var pub [32]byte
	copy(pub[:], raw)
	rec, ok := d.domain.ResolveIdentity(pub)
	if !ok {
		return domain.IdentityRecord{}, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "identity not found")
	}
	return rec, nil
}

func (d *Daemon) SetPresence(id, presence string) *codeerr.Error {
	return errCapability(d.domain.SetPresence(id, presence))
}

func (d *Daemon) AddContact(identityID, alias string) *codeerr.Error {
	return errCapability(d.domain.AddContact(identityID, alias))
}

// BootstrapIdentityResult is identities.bootstrap's response: a freshly
// generated local identity, already imported and activated.
type BootstrapIdentityResult struct {
	Record    domain.IdentityRecord `json:"record"`
	PublicHex string                `json:"public_hex"`
	VerifyHex string                `json:"verify_hex"`
}

func (d *Daemon) BootstrapIdentity(name string) (*BootstrapIdentityResult, *codeerr.Error) {
	priv, err := xcrypto.NewPrivateIdentity()
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryCrypto, "SDK_CRYPTO_KEYGEN_FAILED", err.Error())
	}
	rec := d.domain.ImportIdentity(priv.Identity, name, time.Now())
	_ = d.domain.ActivateIdentity(rec.ID)
	rec.Active = true
	return &BootstrapIdentityResult{
		Record:    rec,
		PublicHex: hex.EncodeToString(priv.Public[:]),
		VerifyHex: hex.EncodeToString(priv.Verify),
	}, nil
}

// AnnounceIdentityResult mirrors identities.announce's request-to-emit-an-
// announce-now acknowledgement shape.
type AnnounceIdentityResult struct {
	Requested bool `json:"requested"`
}

func (d *Daemon) AnnounceIdentity(id string) (*AnnounceIdentityResult, *codeerr.Error) {
	if _, ok := d.domain.ExportIdentity(id); !ok {
		return nil, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "identity not found")
	}
	if d.hooks.SyncPeer == nil {
		return &AnnounceIdentityResult{Requested: false}, nil
	}
	return &AnnounceIdentityResult{Requested: true}, nil
}

// --- remote commands ---

func (d *Daemon) InvokeCommand(name string, args map[string]any) domain.RemoteCommand {
	return d.domain.InvokeCommand(name, args, time.Now())
}

func (d *Daemon) ReplyCommand(correlationID string, reply map[string]any) (domain.RemoteCommand, *codeerr.Error) {
	cmd, err := d.domain.ReplyCommand(correlationID, reply, time.Now())
	return cmd, errCapability(err)
}

// --- voice ---

func (d *Daemon) OpenVoiceSession(peerID, codec string) domain.VoiceSession {
	return d.domain.OpenVoiceSession(peerID, codec, time.Now())
}

func (d *Daemon) UpdateVoiceSession(id, codec string) (domain.VoiceSession, *codeerr.Error) {
	v, err := d.domain.UpdateVoiceSession(id, codec, time.Now())
	return v, errCapability(err)
}

// CloseVoiceSessionResult mirrors CloseVoiceSession's idempotent-close bool.
type CloseVoiceSessionResult struct {
	Closed bool `json:"closed"`
}

func (d *Daemon) CloseVoiceSession(id string) CloseVoiceSessionResult {
	return CloseVoiceSessionResult{Closed: d.domain.CloseVoiceSession(id, time.Now())}
}
