package rpcdaemon

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"meshrund/internal/codeerr"
)

// dispatchCtx gives send_message/sdk_send_v2 a background context; the
// framed/HTTP transports don't carry a per-request context down into
// Dispatch today, so the delivery hook gets its own deadline instead
// (see SendMessage's internal WithTimeout).
func dispatchCtx() context.Context { return context.Background() }

// decodeBase64 turns a wire base64 blob into bytes or a validation error.
func decodeBase64(s string) ([]byte, *codeerr.Error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "malformed base64 payload")
	}
	return data, nil
}

// methodFunc is one dispatch-table entry: decode params, run the method,
// return a typed result or an SDK_* error (spec.md §9 "RPC params are per-
// method tagged structures; do not share one open-shaped blob").
type methodFunc func(d *Daemon, params json.RawMessage) (any, *codeerr.Error)

// Dispatch is the method-name-keyed RPC dispatch table (spec.md §4.8). Both
// the framed and HTTP transports route every request through this same
// table, so adding an entry here makes it reachable from both at once.
var Dispatch = map[string]methodFunc{
	"sdk_negotiate_v2":      dispatchNegotiate,
	"sdk_poll_events_v2":    dispatchPollEvents,
	"sdk_configure_v2":      dispatchConfigure,
	"sdk_status_v2":         dispatchStatus,
	"sdk_snapshot_v2":       dispatchSnapshot,
	"sdk_shutdown_v2":       dispatchShutdown,
	"sdk_cancel_message_v2": dispatchCancelMessage,
	"record_receipt":        dispatchRecordReceipt,

	"send_message":  dispatchSendMessage,
	"sdk_send_v2":   dispatchSendMessage,
	"receive_message": dispatchReceiveMessage,
	"list_messages":   dispatchListMessages,
	"list_announces":  dispatchListAnnounces,

	"list_peers": dispatchListPeers,
	"sync_peer":  dispatchSyncPeer,
	"unpeer":     dispatchUnpeer,

	"interface_get": dispatchGetInterfaces,
	"interface_set": dispatchSetInterface,

	"propagation_get": dispatchGetPropagation,
	"propagation_set": dispatchSetPropagation,

	"stamp_policy_set":  dispatchSetStampPolicy,
	"ticket_generate":   dispatchGenerateTicket,

	"topics_create":    dispatchCreateTopic,
	"topics_list":      dispatchListTopics,
	"topics_get":       dispatchGetTopic,
	"topics_subscribe": dispatchSubscribeTopic,
	"topics_publish":   dispatchPublishTopic,
	"telemetry_query":  dispatchQueryTelemetry,

	"attachments_upload_start":  dispatchStartUpload,
	"attachments_upload_chunk":  dispatchUploadChunk,
	"attachments_upload_commit": dispatchCommitUpload,
	"attachments_get":           dispatchGetAttachment,
	"attachments_list":          dispatchListAttachments,
	"attachments_download_chunk": dispatchDownloadChunk,

	"markers_create": dispatchCreateMarker,
	"markers_update": dispatchUpdateMarker,
	"markers_delete": dispatchDeleteMarker,
	"markers_get":    dispatchGetMarker,
	"markers_list":   dispatchListMarkers,

	"identities_list":     dispatchListIdentities,
	"identities_import":   dispatchImportIdentity,
	"identities_export":   dispatchExportIdentity,
	"identities_activate": dispatchActivateIdentity,
	"identities_resolve":  dispatchResolveIdentity,
	"identities_contact":  dispatchAddContact,
	"identities_presence": dispatchSetPresence,
	"identities_bootstrap": dispatchBootstrapIdentity,
	"identities_announce": dispatchAnnounceIdentity,

	"paper_encode": dispatchPaperEncode,
	"paper_decode": dispatchPaperDecode,

	"commands_invoke": dispatchInvokeCommand,
	"commands_reply":  dispatchReplyCommand,

	"voice_open":   dispatchOpenVoice,
	"voice_update": dispatchUpdateVoice,
	"voice_close":  dispatchCloseVoice,
}

func decodeParams[T any](params json.RawMessage) (T, *codeerr.Error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, codeerr.Validation(codeerr.ValidationInvalidArgument, "malformed params: "+err.Error())
	}
	return v, nil
}

func dispatchNegotiate(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[NegotiateParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.Negotiate(p)
}

func dispatchPollEvents(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[PollParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.PollEvents(p)
}

func dispatchConfigure(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[ConfigureParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.Configure(p)
}

func dispatchStatus(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		MessageID string `json:"message_id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.Status(p.MessageID)
}

func dispatchSnapshot(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		IncludeCounts bool `json:"include_counts"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.Snapshot(p.IncludeCounts)
}

func dispatchShutdown(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		Mode ShutdownMode `json:"mode"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	d.Shutdown(p.Mode)
	return struct{}{}, nil
}

func dispatchCancelMessage(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		MessageID string `json:"message_id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	outcome, err := d.CancelMessage(p.MessageID)
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryStorage, "SDK_STORAGE_IO", err.Error())
	}
	return struct {
		Outcome CancelOutcome `json:"outcome"`
	}{Outcome: outcome}, nil
}

func dispatchRecordReceipt(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	updated, err := d.RecordReceipt(p.MessageID, p.Status)
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryStorage, "SDK_STORAGE_IO", err.Error())
	}
	return struct {
		Updated bool `json:"updated"`
	}{Updated: updated}, nil
}

func dispatchSendMessage(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[SendMessageParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.SendMessage(dispatchCtx(), p)
}

func dispatchReceiveMessage(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[ReceiveMessageParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.ReceiveMessage(p)
}

func dispatchListMessages(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[ListMessagesParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.ListMessages(p)
}

func dispatchListAnnounces(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[ListAnnouncesParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.ListAnnounces(p)
}

func dispatchListPeers(d *Daemon, _ json.RawMessage) (any, *codeerr.Error) {
	return d.ListPeers()
}

func dispatchSyncPeer(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[SyncPeerParams](params)
	if cerr != nil {
		return nil, cerr
	}
	if err := d.SyncPeer(p); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchUnpeer(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[SyncPeerParams](params)
	if cerr != nil {
		return nil, cerr
	}
	if err := d.Unpeer(p); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchGetInterfaces(d *Daemon, _ json.RawMessage) (any, *codeerr.Error) {
	return d.GetInterfaces()
}

func dispatchSetInterface(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[InterfaceInfo](params)
	if cerr != nil {
		return nil, cerr
	}
	if err := d.SetInterface(p); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchGetPropagation(d *Daemon, _ json.RawMessage) (any, *codeerr.Error) {
	return d.GetPropagation()
}

func dispatchSetPropagation(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[SetPropagationParams](params)
	if cerr != nil {
		return nil, cerr
	}
	if err := d.SetPropagation(p); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchSetStampPolicy(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[StampPolicyParams](params)
	if cerr != nil {
		return nil, cerr
	}
	if err := d.SetStampPolicy(p); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchGenerateTicket(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[GenerateTicketParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.GenerateTicket(p)
}

func dispatchCreateTopic(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		Name string `json:"name"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.CreateTopic(p.Name), nil
}

func dispatchListTopics(d *Daemon, _ json.RawMessage) (any, *codeerr.Error) {
	return d.ListTopics(), nil
}

func dispatchGetTopic(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.GetTopic(p.ID)
}

func dispatchSubscribeTopic(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		TopicID string `json:"topic_id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.SubscribeTopic(p.TopicID)
}

func dispatchPublishTopic(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		TopicID string         `json:"topic_id"`
		Message map[string]any `json:"message"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.PublishTopic(p.TopicID, p.Message)
}

func dispatchQueryTelemetry(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		TopicID string `json:"topic_id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.QueryTelemetry(p.TopicID), nil
}

func dispatchStartUpload(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		TotalSize   int64  `json:"total_size"`
		ChecksumHex string `json:"checksum_hex"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return struct {
		UploadID string `json:"upload_id"`
	}{UploadID: d.StartUpload(p.TotalSize, p.ChecksumHex)}, nil
}

func dispatchUploadChunk(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		UploadID      string `json:"upload_id"`
		ChunkBase64   string `json:"chunk_base64"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	data, decErr := decodeBase64(p.ChunkBase64)
	if decErr != nil {
		return nil, decErr
	}
	if err := d.UploadChunk(p.UploadID, data); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchCommitUpload(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		UploadID string `json:"upload_id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.CommitUpload(p.UploadID)
}

func dispatchGetAttachment(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.GetAttachment(p.ID)
}

func dispatchListAttachments(d *Daemon, _ json.RawMessage) (any, *codeerr.Error) {
	return d.ListAttachments(), nil
}

func dispatchDownloadChunk(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		AttachmentID string `json:"attachment_id"`
		Offset       int64  `json:"offset"`
		MaxBytes     int64  `json:"max_bytes"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.DownloadChunk(p.AttachmentID, p.Offset, p.MaxBytes)
}

func dispatchCreateMarker(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		TopicID  string         `json:"topic_id"`
		Position map[string]any `json:"position"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.CreateMarker(p.TopicID, p.Position), nil
}

func dispatchUpdateMarker(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID               string         `json:"id"`
		ExpectedRevision int            `json:"expected_revision"`
		Position         map[string]any `json:"position"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.UpdateMarker(p.ID, p.ExpectedRevision, p.Position)
}

func dispatchDeleteMarker(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID               string `json:"id"`
		ExpectedRevision int    `json:"expected_revision"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.DeleteMarker(p.ID, p.ExpectedRevision), nil
}

func dispatchGetMarker(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.GetMarker(p.ID)
}

func dispatchListMarkers(d *Daemon, _ json.RawMessage) (any, *codeerr.Error) {
	return d.ListMarkers(), nil
}

func dispatchListIdentities(d *Daemon, _ json.RawMessage) (any, *codeerr.Error) {
	return d.ListIdentities(), nil
}

func dispatchImportIdentity(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[IdentityKeyParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.ImportIdentity(p)
}

func dispatchExportIdentity(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.ExportIdentity(p.ID)
}

func dispatchActivateIdentity(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	if err := d.ActivateIdentity(p.ID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchResolveIdentity(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		PublicHex string `json:"public_hex"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.ResolveIdentity(p.PublicHex)
}

func dispatchAddContact(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		IdentityID string `json:"identity_id"`
		Alias      string `json:"alias"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	if err := d.AddContact(p.IdentityID, p.Alias); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchSetPresence(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID       string `json:"id"`
		Presence string `json:"presence"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	if err := d.SetPresence(p.ID, p.Presence); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func dispatchBootstrapIdentity(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		Name string `json:"name"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.BootstrapIdentity(p.Name)
}

func dispatchAnnounceIdentity(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.AnnounceIdentity(p.ID)
}

func dispatchPaperEncode(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[PaperEncodeParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.PaperEncode(p)
}

func dispatchPaperDecode(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[PaperDecodeParams](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.PaperDecode(p)
}

func dispatchInvokeCommand(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.InvokeCommand(p.Name, p.Args), nil
}

func dispatchReplyCommand(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		CorrelationID string         `json:"correlation_id"`
		Reply         map[string]any `json:"reply"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.ReplyCommand(p.CorrelationID, p.Reply)
}

func dispatchOpenVoice(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		PeerID string `json:"peer_id"`
		Codec  string `json:"codec"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.OpenVoiceSession(p.PeerID, p.Codec), nil
}

func dispatchUpdateVoice(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID    string `json:"id"`
		Codec string `json:"codec"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.UpdateVoiceSession(p.ID, p.Codec)
}

func dispatchCloseVoice(d *Daemon, params json.RawMessage) (any, *codeerr.Error) {
	p, cerr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if cerr != nil {
		return nil, cerr
	}
	return d.CloseVoiceSession(p.ID), nil
}

// Handle decodes, dispatches, and encodes one RPC request against d.
func Handle(d *Daemon, req Request) Response {
	fn, ok := Dispatch[req.Method]
	if !ok {
		return Response{ID: req.ID, Error: &WireError{Code: codeerr.ValidationInvalidArgument, Message: "unknown method " + req.Method}}
	}
	result, cerr := fn(d, req.Params)
	if cerr != nil {
		return Response{ID: req.ID, Error: &WireError{Code: cerr.Code, Message: cerr.Message, Details: cerr.Details}}
	}
	return Response{ID: req.ID, Result: result}
}
