package pkg

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
)

// Role describes who authored a turn.  There are only two roles: the user
// asking about a product and the agent answering with a verdict.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one entry in the conversation log.  User turns carry text in
// Content; agent turns carry a structured Payload that is filled in once the
// backend answers.
type Turn struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Payload   *AgentPayload `json:"agent_payload,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Pending   bool          `json:"pending"`
}

// Clone returns a deep copy of the turn so callers can hold on to a snapshot
// without racing the owner of the log.
func (t Turn) Clone() Turn {
	if t.Payload != nil {
		p := t.Payload.Clone()
		t.Payload = &p
	}
	return t
}

// Profile is the user's health profile.  The backend may return an updated
// copy with any response, which then replaces the current one wholesale.
type Profile struct {
	Allergies  []string `json:"allergies"`
	Conditions []string `json:"conditions"`
	Goals      []string `json:"goals"`
}

// FlagCount is the total number of entries across all three lists.
func (p Profile) FlagCount() int {
	return len(p.Allergies) + len(p.Conditions) + len(p.Goals)
}

// Clone returns a copy whose lists are never nil, so it always serialises as
// arrays rather than null.
func (p Profile) Clone() Profile {
	return Profile{
		Allergies:  cloneStrings(p.Allergies),
		Conditions: cloneStrings(p.Conditions),
		Goals:      cloneStrings(p.Goals),
	}
}

// LookupFlag records whether the backend needed an external lookup.  The
// backend reports it either as a boolean or as the list of things it looked
// up; a non-empty list counts as true.
type LookupFlag bool

// UnmarshalJSON accepts a boolean or an array.  Any other shape reads as
// false so one odd field does not sink the whole payload.
func (f *LookupFlag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = LookupFlag(b)
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		*f = LookupFlag(len(arr) > 0)
		return nil
	}
	*f = false
	return nil
}

// AgentPayload is the structured result of one agent turn.  Every field is
// optional: nil means "not reported", which lets partial updates be merged
// field by field without erasing what is already there.
type AgentPayload struct {
	Query         *string     `json:"user_query,omitempty"`
	Profile       *Profile    `json:"user_profile,omitempty"`
	ImageData     *string     `json:"image_data,omitempty"`
	Plan          *string     `json:"plan,omitempty"`
	NeedsSearch   *LookupFlag `json:"needs_search,omitempty"`
	SearchQueries []string    `json:"search_queries,omitempty"`
	SearchDigest  *string     `json:"search_results,omitempty"`
	Verdict       *string     `json:"final_verdict,omitempty"`
	Reasoning     *string     `json:"reasoning,omitempty"`

	// NextSuggestion is the current name of the follow-up list; Suggestions
	// is the older one.  Use FollowUps to read them.
	NextSuggestion []string `json:"next_suggestion,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`

	// Subject is either one product description or an array of candidate
	// parses.  It is kept raw; see core.SelectSubject.
	Subject json.RawMessage `json:"product_data,omitempty"`
}

// Merge copies every field that is set in partial over the receiver.  Fields
// absent from partial are left alone.
func (p *AgentPayload) Merge(partial AgentPayload) {
	if partial.Query != nil {
		p.Query = partial.Query
	}
	if partial.Profile != nil {
		p.Profile = partial.Profile
	}
	if partial.ImageData != nil {
		p.ImageData = partial.ImageData
	}
	if partial.Plan != nil {
		p.Plan = partial.Plan
	}
	if partial.NeedsSearch != nil {
		p.NeedsSearch = partial.NeedsSearch
	}
	if partial.SearchQueries != nil {
		p.SearchQueries = partial.SearchQueries
	}
	if partial.SearchDigest != nil {
		p.SearchDigest = partial.SearchDigest
	}
	if partial.Verdict != nil {
		p.Verdict = partial.Verdict
	}
	if partial.Reasoning != nil {
		p.Reasoning = partial.Reasoning
	}
	if partial.NextSuggestion != nil {
		p.NextSuggestion = partial.NextSuggestion
	}
	if partial.Suggestions != nil {
		p.Suggestions = partial.Suggestions
	}
	if partial.Subject != nil {
		p.Subject = partial.Subject
	}
}

// FollowUps resolves the two follow-up field names: the newer one wins when
// present, then the older one, else an empty list.
func (p AgentPayload) FollowUps() []string {
	switch {
	case p.NextSuggestion != nil:
		return cloneStrings(p.NextSuggestion)
	case p.Suggestions != nil:
		return cloneStrings(p.Suggestions)
	default:
		return []string{}
	}
}

// VerdictOr returns the verdict label or def when none was reported.
func (p AgentPayload) VerdictOr(def string) string {
	if p.Verdict == nil || *p.Verdict == "" {
		return def
	}
	return *p.Verdict
}

// Clone returns a deep copy.
func (p AgentPayload) Clone() AgentPayload {
	out := p
	out.Query = cloneString(p.Query)
	out.ImageData = cloneString(p.ImageData)
	out.Plan = cloneString(p.Plan)
	out.SearchDigest = cloneString(p.SearchDigest)
	out.Verdict = cloneString(p.Verdict)
	out.Reasoning = cloneString(p.Reasoning)
	if p.NeedsSearch != nil {
		f := *p.NeedsSearch
		out.NeedsSearch = &f
	}
	if p.Profile != nil {
		prof := p.Profile.Clone()
		out.Profile = &prof
	}
	if p.SearchQueries != nil {
		out.SearchQueries = cloneStrings(p.SearchQueries)
	}
	if p.NextSuggestion != nil {
		out.NextSuggestion = cloneStrings(p.NextSuggestion)
	}
	if p.Suggestions != nil {
		out.Suggestions = cloneStrings(p.Suggestions)
	}
	if p.Subject != nil {
		out.Subject = append(json.RawMessage(nil), p.Subject...)
	}
	return out
}

// Attachment is a user-selected image.  Data is sent to the backend as-is;
// Preview is a base64 data URL kept locally and attached to the turn that
// used it.
type Attachment struct {
	Data        []byte
	Filename    string
	ContentType string
	Preview     string
}

// NewAttachment builds an Attachment and its preview.  The content type is
// sniffed from the data when not given.
func NewAttachment(data []byte, filename, contentType string) *Attachment {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if filename == "" {
		filename = "upload"
	}
	return &Attachment{
		Data:        data,
		Filename:    filename,
		ContentType: contentType,
		Preview:     "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}
}

// ProcessState is the JSON document sent to the backend in the state_json
// part of a /process request.
type ProcessState struct {
	UserQuery      string   `json:"user_query"`
	UserProfile    Profile  `json:"user_profile"`
	ImageData      *string  `json:"image_data"`
	NextSuggestion []string `json:"next_suggestion"`
}

// RevealPhase is what the viewer currently sees for an agent turn.
type RevealPhase string

const (
	PhaseThinking RevealPhase = "thinking"
	PhaseResults  RevealPhase = "results"
)

// TurnView is the renderer's view of one turn: the stored record plus the
// reveal state that governs how much of it is shown.
type TurnView struct {
	Turn
	State     string         `json:"state,omitempty"`
	Phase     RevealPhase    `json:"phase,omitempty"`
	PlanSteps []string       `json:"plan_steps,omitempty"`
	Subject   map[string]any `json:"subject,omitempty"`
	FollowUps []string       `json:"follow_ups,omitempty"`
}

// SessionView is a full snapshot of a session for rendering.
type SessionView struct {
	SessionID    string     `json:"session_id"`
	Processing   bool       `json:"processing"`
	Profile      Profile    `json:"profile"`
	ProfileFlags int        `json:"profile_flags"`
	Turns        []TurnView `json:"turns"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
