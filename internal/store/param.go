package store

import (
	"sort"
	"strconv"
	"strings"
)

// ParamKey identifies one entry of the open key/value parameter map carried
// by chats and messages. The set of keys is closed; core logic only ever
// manipulates the typed map, the packed form exists at the store boundary.
type ParamKey string

const (
	// chat params
	ParamUnpromoted   ParamKey = "unpromoted"
	ParamProfileImage ParamKey = "image"

	// chat and message param, correlates a leave notice with a pending
	// physical chat deletion
	ParamDelAfterSend ParamKey = "delete_token"

	// message params
	ParamGuaranteeE2EE ParamKey = "e2ee"
	ParamErroneousE2EE ParamKey = "e2ee_error"
	ParamSysCmd        ParamKey = "cmd"
	ParamSysCmdArg     ParamKey = "cmd_arg"
	ParamFile          ParamKey = "file"
	ParamMimeType      ParamKey = "mime"
	ParamWidth         ParamKey = "width"
	ParamHeight        ParamKey = "height"
	ParamAuthorName    ParamKey = "author"
	ParamTrackName     ParamKey = "track"
)

// Params is an order-independent mapping from known keys to values.
type Params map[ParamKey]string

// NewParams returns an empty parameter map.
func NewParams() Params {
	return make(Params)
}

// Get returns the value for key or the empty string.
func (p Params) Get(key ParamKey) string {
	if p == nil {
		return ""
	}
	return p[key]
}

// GetInt returns the integer value for key or def.
func (p Params) GetInt(key ParamKey, def int) int {
	v := p.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set stores value under key. An empty value deletes the entry.
func (p Params) Set(key ParamKey, value string) {
	if value == "" {
		delete(p, key)
		return
	}
	p[key] = value
}

// SetInt stores an integer value under key.
func (p Params) SetInt(key ParamKey, value int) {
	p.Set(key, strconv.Itoa(value))
}

// Delete removes the entry for key.
func (p Params) Delete(key ParamKey) {
	delete(p, key)
}

// Pack serializes the map as sorted key=value lines.
func (p Params) Pack() string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[ParamKey(k)])
	}
	return b.String()
}

// UnpackParams parses the packed key=value form. Unknown lines are ignored.
func UnpackParams(packed string) Params {
	p := NewParams()
	for _, line := range strings.Split(packed, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		p[ParamKey(k)] = v
	}
	return p
}
