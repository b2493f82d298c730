package protocol

// RequestType tags a client request.
type RequestType string

const (
	ReqListDevices          RequestType = "list_devices"
	ReqSetSources           RequestType = "set_sources"
	ReqSetRecordingMode     RequestType = "set_recording_mode"
	ReqSetAecEnabled        RequestType = "set_aec_enabled"
	ReqGetStatus            RequestType = "get_status"
	ReqGetConfig            RequestType = "get_config"
	ReqSetTranscriptionMode RequestType = "set_transcription_mode"
	ReqSetPushToTalkHotkeys RequestType = "set_push_to_talk_hotkeys"
	ReqDownloadModel        RequestType = "download_model"
	ReqGetModelStatus       RequestType = "get_model_status"
	ReqGetCudaStatus        RequestType = "get_cuda_status"
	ReqGetHistory           RequestType = "get_history"
	ReqSubscribeEvents      RequestType = "subscribe_events"
	ReqUnsubscribeEvents    RequestType = "unsubscribe_events"
	ReqPing                 RequestType = "ping"
	ReqShutdown             RequestType = "shutdown"
)

// Request is the client-authored half of the protocol. Only the fields
// belonging to Type are meaningful.
type Request struct {
	Type       RequestType         `json:"type"`
	SourceType *SourceType         `json:"source_type,omitempty"`
	Source1ID  *string             `json:"source1_id,omitempty"`
	Source2ID  *string             `json:"source2_id,omitempty"`
	Mode       string              `json:"mode,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"`
	Hotkeys    []HotkeyCombination `json:"hotkeys,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
}

// ResponseType tags a server message.
type ResponseType string

const (
	RespOk           ResponseType = "ok"
	RespError        ResponseType = "error"
	RespPong         ResponseType = "pong"
	RespDevices      ResponseType = "devices"
	RespStatus       ResponseType = "status"
	RespConfigValues ResponseType = "config_values"
	RespModelStatus  ResponseType = "model_status"
	RespCudaStatus   ResponseType = "cuda_status"
	RespHistory      ResponseType = "history"
	RespEvent        ResponseType = "event"
)

// Response is either the single answer to a Request or, on a subscribed
// connection, an unsolicited Event wrapper.
type Response struct {
	Type        ResponseType          `json:"type"`
	Message     string                `json:"message,omitempty"`
	Devices     []AudioDevice         `json:"devices,omitempty"`
	Status      *TranscribeStatus     `json:"status,omitempty"`
	Config      *ConfigValues         `json:"config,omitempty"`
	ModelStatus *ModelStatus          `json:"model_status,omitempty"`
	CudaStatus  *CudaStatus           `json:"cuda_status,omitempty"`
	History     []TranscriptionResult `json:"history,omitempty"`
	Event       *Event                `json:"event,omitempty"`
}

func Ok() Response { return Response{Type: RespOk} }

func Error(message string) Response { return Response{Type: RespError, Message: message} }

func EventResponse(evt Event) Response { return Response{Type: RespEvent, Event: &evt} }

// EventType tags an event.
type EventType string

const (
	EventSpeechStarted         EventType = "speech_started"
	EventSpeechEnded           EventType = "speech_ended"
	EventTranscriptionComplete EventType = "transcription_complete"
	EventCaptureStateChanged   EventType = "capture_state_changed"
	EventSegmentDropped        EventType = "segment_dropped"
	EventShutdown              EventType = "shutdown"
)

// Event is raised by the service and broadcast to every subscriber.
type Event struct {
	Type       EventType            `json:"type"`
	DurationMS int64                `json:"duration_ms,omitempty"`
	Result     *TranscriptionResult `json:"result,omitempty"`
	Capturing  *bool                `json:"capturing,omitempty"`
	Error      *string              `json:"error,omitempty"`
	Sequence   uint64               `json:"sequence,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	SessionID  string               `json:"session_id,omitempty"`
}

func SpeechStarted(sessionID string) Event {
	return Event{Type: EventSpeechStarted, SessionID: sessionID}
}

func SpeechEnded(sessionID string, durationMS int64) Event {
	return Event{Type: EventSpeechEnded, SessionID: sessionID, DurationMS: durationMS}
}

func TranscriptionComplete(result TranscriptionResult) Event {
	return Event{Type: EventTranscriptionComplete, SessionID: result.SessionID, Result: &result}
}

func CaptureStateChanged(sessionID string, capturing bool, errMsg string) Event {
	return Event{Type: EventCaptureStateChanged, SessionID: sessionID, Capturing: &capturing, Error: StrPtr(errMsg)}
}

func SegmentDropped(sessionID string, sequence uint64, reason string) Event {
	return Event{Type: EventSegmentDropped, SessionID: sessionID, Sequence: sequence, Reason: reason}
}

func ShutdownEvent() Event { return Event{Type: EventShutdown} }
