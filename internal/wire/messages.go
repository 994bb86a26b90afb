package wire

import "encoding/json"

// Kind identifies a USP message's concrete shape. The record/envelope
// framing codec (out of scope here) is responsible for getting a Frame out
// of the wire; this package is responsible for the one-to-one mapping
// between Kind and the matching Go struct, and for never silently
// forwarding an unrecognized Kind.
type Kind string

const (
	KindRegister         Kind = "Register"
	KindRegisterResp     Kind = "RegisterResp"
	KindDeregister       Kind = "Deregister"
	KindDeregisterResp   Kind = "DeregisterResp"
	KindGet              Kind = "Get"
	KindGetResp          Kind = "GetResp"
	KindSet              Kind = "Set"
	KindSetResp          Kind = "SetResp"
	KindAdd              Kind = "Add"
	KindAddResp          Kind = "AddResp"
	KindDelete           Kind = "Delete"
	KindDeleteResp       Kind = "DeleteResp"
	KindOperate          Kind = "Operate"
	KindOperateResp      Kind = "OperateResp"
	KindGetInstances     Kind = "GetInstances"
	KindGetInstancesResp Kind = "GetInstancesResp"
	KindGetSupportedDM   Kind = "GetSupportedDM"
	KindGetSupportedDMResp Kind = "GetSupportedDMResp"
	KindNotify           Kind = "Notify"
	KindError            Kind = "Error"
)

// Message is the sum type of every USP request/response/notify shape the
// core understands. Decode returns a MessageNotUnderstood error for a frame
// whose Kind it does not recognize, so an unknown wire type fails at decode
// time instead of passing through as a no-op.
type Message interface {
	Kind() Kind
	MsgID() string
	SetMsgID(id string)
}

// Header is embedded by every concrete message type to satisfy MsgID/SetMsgID.
type Header struct {
	ID string `json:"msg_id"`
}

func (h *Header) MsgID() string     { return h.ID }
func (h *Header) SetMsgID(id string) { h.ID = id }

// Frame is the outer wire shape: a header (msg id + kind) plus an opaque
// body. A concrete MTP/record codec (out of scope) is responsible for
// getting bytes in and out of this shape; the core only deals with Frame
// and the decoded Message.
type Frame struct {
	MsgID   string          `json:"msg_id"`
	MsgType Kind            `json:"msg_type"`
	Body    json.RawMessage `json:"body"`
}

// Encode wraps a Message into a Frame ready for wire transmission.
func Encode(m Message) (*Frame, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &Frame{MsgID: m.MsgID(), MsgType: m.Kind(), Body: body}, nil
}

// Decode turns a Frame back into the concrete Message it carries. It is the
// single exhaustive switch over Kind in the package — every Kind constant
// above must have a case here.
func Decode(f *Frame) (Message, error) {
	var m Message
	switch f.MsgType {
	case KindRegister:
		m = &Register{}
	case KindRegisterResp:
		m = &RegisterResp{}
	case KindDeregister:
		m = &Deregister{}
	case KindDeregisterResp:
		m = &DeregisterResp{}
	case KindGet:
		m = &Get{}
	case KindGetResp:
		m = &GetResp{}
	case KindSet:
		m = &Set{}
	case KindSetResp:
		m = &SetResp{}
	case KindAdd:
		m = &Add{}
	case KindAddResp:
		m = &AddResp{}
	case KindDelete:
		m = &Delete{}
	case KindDeleteResp:
		m = &DeleteResp{}
	case KindOperate:
		m = &Operate{}
	case KindOperateResp:
		m = &OperateResp{}
	case KindGetInstances:
		m = &GetInstances{}
	case KindGetInstancesResp:
		m = &GetInstancesResp{}
	case KindGetSupportedDM:
		m = &GetSupportedDM{}
	case KindGetSupportedDMResp:
		m = &GetSupportedDMResp{}
	case KindNotify:
		m = &Notify{}
	case KindError:
		m = &ErrorMsg{}
	default:
		return nil, New(MessageNotUnderstood, "unknown msg_type %q", f.MsgType)
	}
	if err := json.Unmarshal(f.Body, m); err != nil {
		return nil, New(MessageNotUnderstood, "malformed body for %s: %v", f.MsgType, err)
	}
	m.SetMsgID(f.MsgID)
	return m, nil
}

// --- Register / Deregister (spec §4.2) ---

type Register struct {
	Header
	Paths        []string `json:"paths"`
	AllowPartial bool     `json:"allow_partial"`
}

func (*Register) Kind() Kind { return KindRegister }

type RegisterResult struct {
	Path string `json:"path"`
	Err  *Error `json:"err,omitempty"`
}

type RegisterResp struct {
	Header
	Results []RegisterResult `json:"results"`
}

func (*RegisterResp) Kind() Kind { return KindRegisterResp }

type Deregister struct {
	Header
	// Paths empty, or containing a single "" entry, means "all my prefixes".
	Paths []string `json:"paths"`
}

func (*Deregister) Kind() Kind { return KindDeregister }

// DeregisterSuccess lists every path successfully deregistered in one
// response entry, per spec §4.2's "single success entry" shape.
type DeregisterSuccess struct {
	Paths []string `json:"paths"`
}

type DeregisterFailureEntry struct {
	Path string `json:"path"`
	Err  *Error `json:"err"`
}

type DeregisterResp struct {
	Header
	Success  *DeregisterSuccess       `json:"success,omitempty"`
	Failures []DeregisterFailureEntry `json:"failures,omitempty"`
}

func (*DeregisterResp) Kind() Kind { return KindDeregisterResp }

// --- Get (spec §4.4) ---

type Get struct {
	Header
	Paths    []string `json:"paths"`
	MaxDepth int      `json:"max_depth"`
}

func (*Get) Kind() Kind { return KindGet }

type GetResult struct {
	RequestedPath string            `json:"requested_path"`
	ResolvedPath  string            `json:"resolved_path,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	Err           *Error            `json:"err,omitempty"`
}

type GetResp struct {
	Header
	Results []GetResult `json:"results"`
}

func (*GetResp) Kind() Kind { return KindGetResp }

// --- Set (spec §4.4) ---

type SetParam struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

type Set struct {
	Header
	Params       []SetParam `json:"params"`
	AllowPartial bool       `json:"allow_partial"`
}

func (*Set) Kind() Kind { return KindSet }

type SetResp struct {
	Header
	// FailingIndex is the index, within the request's Params, of the first
	// parameter that failed to set. Nil means complete success.
	FailingIndex *int   `json:"failing_index,omitempty"`
	Err          *Error `json:"err,omitempty"`
}

func (*SetResp) Kind() Kind { return KindSetResp }

// --- Add / CreateObject (spec §4.4) ---

type CreateParam struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Required bool   `json:"required"`
}

type Add struct {
	Header
	ObjectPath string        `json:"object_path"`
	Params     []CreateParam `json:"params,omitempty"`
}

func (*Add) Kind() Kind { return KindAdd }

type AddResp struct {
	Header
	InstantiatedPath string       `json:"instantiated_path,omitempty"`
	ParamErrors      []ParamError `json:"param_errors,omitempty"`
	Err              *Error       `json:"err,omitempty"`
}

func (*AddResp) Kind() Kind { return KindAddResp }

// --- Delete / MultiDelete (spec §4.4) ---

type Delete struct {
	Header
	Paths        []string `json:"paths"`
	AllowPartial bool     `json:"allow_partial"`
}

func (*Delete) Kind() Kind { return KindDelete }

type DeleteResult struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
	Err     *Error `json:"err,omitempty"`
}

type DeleteResp struct {
	Header
	Results []DeleteResult `json:"results"`
	// FailureIndex is set when a Service violates allow_partial=false by
	// failing a single delete anyway (spec §4.4/§7(iv)).
	FailureIndex *int `json:"failure_index,omitempty"`
}

func (*DeleteResp) Kind() Kind { return KindDeleteResp }

// --- Operate (spec §4.4) ---

type Operate struct {
	Header
	CommandPath string            `json:"command_path"`
	CommandKey  string            `json:"command_key"`
	InputArgs   map[string]string `json:"input_args,omitempty"`
	SendResp    bool              `json:"send_resp"`
}

func (*Operate) Kind() Kind { return KindOperate }

// OperateResp carries exactly one of the three response branches described
// in spec §4.4's Operate rows.
type OperateResp struct {
	Header
	ExecutedCommand string `json:"executed_command,omitempty"`

	// RequestObjectPath is set on the ordinary async "Started" branch.
	RequestObjectPath string `json:"request_object_path,omitempty"`

	// OutputArgs is set when the command completed synchronously (sync
	// Operate) or completed inside the Operate reply itself (async Operate,
	// reported as immediate completion).
	OutputArgs map[string]string `json:"output_args,omitempty"`

	// Err is set on the command-failure branch.
	Err *Error `json:"err,omitempty"`
}

func (*OperateResp) Kind() Kind { return KindOperateResp }

// --- GetInstances (spec §4.4) ---

type GetInstances struct {
	Header
	Paths          []string `json:"paths"`
	FirstLevelOnly bool     `json:"first_level_only"`
}

func (*GetInstances) Kind() Kind { return KindGetInstances }

type GetInstancesResult struct {
	ObjectPath        string   `json:"object_path"`
	InstantiatedPaths []string `json:"instantiated_paths,omitempty"`
	Err               *Error   `json:"err,omitempty"`
}

type GetInstancesResp struct {
	Header
	Results []GetInstancesResult `json:"results"`
}

func (*GetInstancesResp) Kind() Kind { return KindGetInstancesResp }

// --- GetSupportedDM (spec §4.2) ---

type GetSupportedDM struct {
	Header
	Paths          []string `json:"paths"`
	ReturnCommands bool     `json:"return_commands"`
	ReturnEvents   bool     `json:"return_events"`
	ReturnParams   bool     `json:"return_params"`
}

func (*GetSupportedDM) Kind() Kind { return KindGetSupportedDM }

// ParamType is the Broker's internal type-flag set. Unknown wire protocol
// types default to TypeString (spec §4.2 step 3).
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeBool    ParamType = "bool"
	TypeInt     ParamType = "int"
	TypeUnsignedInt ParamType = "unsignedInt"
	TypeDateTime ParamType = "dateTime"
	TypeBase64  ParamType = "base64"
	TypeHexBinary ParamType = "hexBinary"
)

type SupportedParam struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Writable bool      `json:"writable"`
}

type SupportedCommand struct {
	Name       string   `json:"name"`
	InputArgs  []string `json:"input_args,omitempty"`
	OutputArgs []string `json:"output_args,omitempty"`
}

type SupportedEvent struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

type SupportedObject struct {
	Path           string             `json:"path"`
	IsMultiInstance bool              `json:"is_multi_instance"`
	Writable       bool               `json:"writable"`
	Params         []SupportedParam   `json:"params,omitempty"`
	Commands       []SupportedCommand `json:"commands,omitempty"`
	Events         []SupportedEvent   `json:"events,omitempty"`
}

type GetSupportedDMResp struct {
	Header
	Objects []SupportedObject `json:"objects"`
}

func (*GetSupportedDMResp) Kind() Kind { return KindGetSupportedDMResp }

// --- Notify (spec §4.6) ---

type NotifType string

const (
	NotifValueChange       NotifType = "ValueChange"
	NotifObjectCreation    NotifType = "ObjectCreation"
	NotifObjectDeletion    NotifType = "ObjectDeletion"
	NotifOperationComplete NotifType = "OperationComplete"
	NotifOnBoardRequest    NotifType = "OnBoardRequest"
	NotifEvent             NotifType = "Event"
)

type Notify struct {
	Header
	SubscriptionID string            `json:"subscription_id"`
	SendResp       bool              `json:"send_resp"`
	NotifType      NotifType         `json:"notif_type"`
	ObjectPath     string            `json:"object_path,omitempty"`
	ParamPath      string            `json:"param_path,omitempty"`
	ParamValue     string            `json:"param_value,omitempty"`
	CommandName    string            `json:"command_name,omitempty"`
	CommandKey     string            `json:"command_key,omitempty"`
	OutputArgs     map[string]string `json:"output_args,omitempty"`
	Err            *Error            `json:"err,omitempty"`
	EventName      string            `json:"event_name,omitempty"`
	EventArgs      map[string]string `json:"event_args,omitempty"`
}

func (*Notify) Kind() Kind { return KindNotify }

// --- Error (spec §7) ---

type ErrorMsg struct {
	Header
	Err *Error `json:"err"`
}

func (*ErrorMsg) Kind() Kind { return KindError }
