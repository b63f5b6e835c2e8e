package feed

import "encoding/json"

// Entry is one signed item of an address activity feed.
type Entry struct {
	Body       Body   `json:"body"`
	MerkleRoot string `json:"merkleRoot"`
	Signature  string `json:"signature"`
	Meta       *Meta  `json:"meta,omitempty"`

	raw json.RawMessage
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Entry(p)
	e.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the entry exactly as it was served.
func (e Entry) Raw() json.RawMessage {
	return e.raw
}

// Body is the signed part of an entry. The source bytes are retained because
// the signature covers a serialisation whose field presence must match the
// publisher's, which the typed fields alone cannot express.
type Body struct {
	Type             string          `json:"type"`
	PublishedAt      int64           `json:"publishedAt"`
	Sequence         *int64          `json:"sequence"`
	Username         string          `json:"username"`
	Address          string          `json:"address"`
	Data             BodyData        `json:"data"`
	PrevMerkleRoot   string          `json:"prevMerkleRoot"`
	TokenCommunities json.RawMessage `json:"tokenCommunities,omitempty"`

	raw json.RawMessage
}

func (b *Body) UnmarshalJSON(data []byte) error {
	type plain Body
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = Body(p)
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the body bytes as served, or nil for a body built in code.
func (b Body) Raw() json.RawMessage {
	return b.raw
}

type BodyData struct {
	Text                  string `json:"text"`
	ReplyParentMerkleRoot string `json:"replyParentMerkleRoot,omitempty"`
}

// Meta carries counters computed by the publisher. They are not signed and
// may change between fetches of an unchanged entry.
type Meta struct {
	DisplayName      string `json:"displayName,omitempty"`
	NumReplyChildren int64  `json:"numReplyChildren"`
	Reactions        Count  `json:"reactions"`
	Recasts          Count  `json:"recasts"`
	Watches          Count  `json:"watches"`
}

type Count struct {
	Count int64 `json:"count"`
}
