package message

import (
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/xerrors"
)

// Request is a Stratum V1 JSON-RPC request or notification. Notifications
// have a null ID.
type Request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (r *Request) Kind() Kind {
	return byMethod[r.Method]
}

// NewRequest returns a request with a numeric ID. Params are marshalled to
// JSON, values that cannot be marshalled cause a panic.
func NewRequest(id uint64, method string, params ...interface{}) *Request {
	r := &Request{
		ID:     json.RawMessage(strconv.FormatUint(id, 10)),
		Method: method,
		Params: make([]json.RawMessage, len(params)),
	}
	for i, p := range params {
		buf, err := json.Marshal(p)
		if err != nil {
			panic(fmt.Sprintf("marshal param %d of %s: %v", i, method, err))
		}
		r.Params[i] = buf
	}
	return r
}

// Response is a Stratum V1 JSON-RPC response.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (r *Response) Kind() Kind { return V1Response }

// NewResponse returns a response for a numeric ID with result marshalled to
// JSON.
func NewResponse(id uint64, result interface{}) (*Response, error) {
	buf, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: json.RawMessage(strconv.FormatUint(id, 10)), Result: buf, Error: json.RawMessage("null")}, nil
}

// NumericID returns the ID as number. Only numeric IDs are assigned by the
// relay.
func (r *Response) NumericID() (uint64, bool) {
	id, err := strconv.ParseUint(string(r.ID), 10, 64)
	return id, err == nil
}

// V1Error is the error of a response, usually sent as [code, message,
// traceback].
type V1Error struct {
	Code    int
	Message string
}

func (e *V1Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Err returns the error of the response, or nil if it has none.
func (r *Response) Err() *V1Error {
	if isNull(r.Error) {
		return nil
	}
	var l []json.RawMessage
	if err := json.Unmarshal(r.Error, &l); err == nil {
		e := &V1Error{}
		if len(l) > 0 {
			json.Unmarshal(l[0], &e.Code)
		}
		if len(l) > 1 {
			json.Unmarshal(l[1], &e.Message)
		}
		return e
	}
	var o struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &o); err == nil {
		return &V1Error{o.Code, o.Message}
	}
	return &V1Error{Message: string(r.Error)}
}

// Bool returns a boolean result, as sent for authorize and submit. Null
// results with an error are false.
func (r *Response) Bool() (bool, error) {
	if isNull(r.Result) {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return false, xerrors.Errorf("boolean result: %s: %w", err, ErrDecode)
	}
	return v, nil
}

func isNull(b json.RawMessage) bool {
	return len(b) == 0 || string(b) == "null"
}

func (r *Request) param(i int, v interface{}) error {
	if i >= len(r.Params) {
		return xerrors.Errorf("%s: missing param %d: %w", r.Method, i, ErrDecode)
	}
	if err := json.Unmarshal(r.Params[i], v); err != nil {
		return xerrors.Errorf("%s: param %d: %s: %w", r.Method, i, err, ErrDecode)
	}
	return nil
}

// Notify holds the params of mining.notify. Hex strings are as sent by the
// pool.
type Notify struct {
	JobID        string
	PrevHash     string
	Coinbase1    string
	Coinbase2    string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// Notify parses the params of mining.notify.
func (r *Request) Notify() (*Notify, error) {
	n := &Notify{}
	for i, p := range []interface{}{&n.JobID, &n.PrevHash, &n.Coinbase1, &n.Coinbase2, &n.MerkleBranch, &n.Version, &n.NBits, &n.NTime, &n.CleanJobs} {
		if err := r.param(i, p); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Difficulty parses the param of mining.set_difficulty.
func (r *Request) Difficulty() (float64, error) {
	var d float64
	if err := r.param(0, &d); err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, xerrors.Errorf("difficulty %v: %w", d, ErrDecode)
	}
	return d, nil
}

// Submit holds the params of mining.submit. VersionBits is empty unless
// version rolling was negotiated.
type Submit struct {
	Worker      string
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
	VersionBits string
}

// Submit parses the params of mining.submit.
func (r *Request) Submit() (*Submit, error) {
	s := &Submit{}
	for i, p := range []interface{}{&s.Worker, &s.JobID, &s.Extranonce2, &s.NTime, &s.Nonce} {
		if err := r.param(i, p); err != nil {
			return nil, err
		}
	}
	if len(r.Params) > 5 {
		if err := r.param(5, &s.VersionBits); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Params returns the params for a mining.submit request.
func (s *Submit) Params() []interface{} {
	p := []interface{}{s.Worker, s.JobID, s.Extranonce2, s.NTime, s.Nonce}
	if s.VersionBits != "" {
		p = append(p, s.VersionBits)
	}
	return p
}

// Authorize parses the params of mining.authorize.
func (r *Request) Authorize() (user, password string, err error) {
	if err := r.param(0, &user); err != nil {
		return "", "", err
	}
	if len(r.Params) > 1 {
		// Some miners send null.
		r.param(1, &password)
	}
	return user, password, nil
}

// Reconnect parses the params of client.reconnect. All params are optional,
// the port may be sent as number or string.
func (r *Request) Reconnect() (host string, port uint16, err error) {
	if len(r.Params) > 0 {
		if err := r.param(0, &host); err != nil {
			return "", 0, err
		}
	}
	if len(r.Params) > 1 {
		var p json.Number
		if err := r.param(1, &p); err != nil {
			var s string
			if err := r.param(1, &s); err != nil {
				return "", 0, err
			}
			p = json.Number(s)
		}
		v, err := strconv.ParseUint(string(p), 10, 16)
		if err != nil {
			return "", 0, xerrors.Errorf("client.reconnect port %q: %w", p, ErrDecode)
		}
		port = uint16(v)
	}
	return host, port, nil
}

// SubscribeResult is the result of mining.subscribe.
type SubscribeResult struct {
	Extranonce1     string
	Extranonce2Size int
}

// SubscribeResult parses the result of a mining.subscribe response:
// [subscriptions, extranonce1, extranonce2_size].
func (r *Response) SubscribeResult() (*SubscribeResult, error) {
	var l []json.RawMessage
	if err := json.Unmarshal(r.Result, &l); err != nil {
		return nil, xerrors.Errorf("subscribe result: %s: %w", err, ErrDecode)
	}
	if len(l) < 3 {
		return nil, xerrors.Errorf("subscribe result with %d elements: %w", len(l), ErrDecode)
	}
	s := &SubscribeResult{}
	if err := json.Unmarshal(l[1], &s.Extranonce1); err != nil {
		return nil, xerrors.Errorf("subscribe extranonce1: %s: %w", err, ErrDecode)
	}
	if err := json.Unmarshal(l[2], &s.Extranonce2Size); err != nil {
		return nil, xerrors.Errorf("subscribe extranonce2 size: %s: %w", err, ErrDecode)
	}
	if s.Extranonce2Size < 0 || s.Extranonce2Size > 32 {
		return nil, xerrors.Errorf("extranonce2 size %d: %w", s.Extranonce2Size, ErrDecode)
	}
	return s, nil
}

// ConfigureResult parses the version-rolling part of a mining.configure
// response. The mask is zero when version rolling was not accepted.
func (r *Response) ConfigureResult() (mask uint32, err error) {
	var o map[string]json.RawMessage
	if err := json.Unmarshal(r.Result, &o); err != nil {
		return 0, xerrors.Errorf("configure result: %s: %w", err, ErrDecode)
	}
	var ok bool
	if v, present := o["version-rolling"]; !present || json.Unmarshal(v, &ok) != nil || !ok {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(o["version-rolling.mask"], &s); err != nil {
		return 0, xerrors.Errorf("version rolling mask: %s: %w", err, ErrDecode)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, xerrors.Errorf("version rolling mask %q: %w", s, ErrDecode)
	}
	return uint32(v), nil
}
