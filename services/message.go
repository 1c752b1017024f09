package services

import "github.com/fxamacker/cbor/v2"

// MsgType identifies the subprotocol message kind. The String form is the
// wire-level name; routing groups kinds by their subprotocol.
type MsgType int

const (
	MsgRBCVal MsgType = iota
	MsgRBCEcho
	MsgRBCReady
	MsgABAEst
	MsgABAAux
	MsgCSSShare
	MsgCSSSubShare
	MsgCSSHappy
	MsgCSSReconstruct
	MsgShareValue
	MsgReconstructValue
	MsgOutputShare
)

func (t MsgType) String() string {
	switch t {
	case MsgRBCVal:
		return "RBC_VAL"
	case MsgRBCEcho:
		return "RBC_ECHO"
	case MsgRBCReady:
		return "RBC_READY"
	case MsgABAEst:
		return "ABA_EST"
	case MsgABAAux:
		return "ABA_AUX"
	case MsgCSSShare:
		return "CSS_SHARE"
	case MsgCSSSubShare:
		return "CSS_SUBSHARE"
	case MsgCSSHappy:
		return "CSS_HAPPY"
	case MsgCSSReconstruct:
		return "CSS_RECONSTRUCT"
	case MsgShareValue:
		return "SHARE_VALUE"
	case MsgReconstructValue:
		return "RECONSTRUCT_VALUE"
	case MsgOutputShare:
		return "OUTPUT_SHARE"
	default:
		return "UNKNOWN"
	}
}

// RBCPayload carries a reliable-broadcast step. Sender is the original
// broadcaster (the instance tag); the envelope sender is the immediate peer.
type RBCPayload struct {
	Sender int    `cbor:"sender"`
	Value  string `cbor:"value"`
}

// AuxNone encodes the "no preferred value" AUX vote.
const AuxNone = -1

// ABAPayload carries an EST or AUX vote. Value is 0 or 1 for EST; AUX also
// admits AuxNone.
type ABAPayload struct {
	Instance int `cbor:"instance"`
	Round    int `cbor:"round"`
	Value    int `cbor:"value"`
}

// CSSSharePayload delivers a receiver's row and column polynomial from the
// dealer. Instance names the secret being shared; one dealer runs many
// concurrent sharings.
type CSSSharePayload struct {
	Instance string   `cbor:"instance"`
	Dealer   int      `cbor:"dealer"`
	Row      []uint64 `cbor:"row"`
	Col      []uint64 `cbor:"col"`
}

// CSSSubSharePayload carries the sender's row/column evaluations at the
// receiver's point; the sender identity rides on the envelope.
type CSSSubSharePayload struct {
	Instance string `cbor:"instance"`
	Dealer   int    `cbor:"dealer"`
	RowEval  uint64 `cbor:"row_eval"`
	ColEval  uint64 `cbor:"col_eval"`
}

// CSSHappyPayload is a happiness vote on a dealer's sharing.
type CSSHappyPayload struct {
	Instance string `cbor:"instance"`
	Dealer   int    `cbor:"dealer"`
	Happy    bool   `cbor:"happy"`
}

// CSSReconstructPayload carries one party's share during reconstruction.
type CSSReconstructPayload struct {
	Instance string `cbor:"instance"`
	Dealer   int    `cbor:"dealer"`
	Share    uint64 `cbor:"share"`
}

// ValuePayload carries a share of a named secret: a multiplication re-share
// (SHARE_VALUE) or a reconstruction share (RECONSTRUCT_VALUE).
type ValuePayload struct {
	SecretID string `cbor:"secret_id"`
	Share    uint64 `cbor:"share"`
	Party    int    `cbor:"party"`
}

// OutputPayload is a blinded output share addressed to recipient Party.
type OutputPayload struct {
	Party int    `cbor:"party"`
	Z     uint64 `cbor:"z"`
}

// Message is the single envelope exchanged over the network. Exactly one
// payload pointer is set, matching Type.
type Message struct {
	Sender   int     `cbor:"sender"`
	Receiver int     `cbor:"receiver"`
	Type     MsgType `cbor:"type"`

	RBC         *RBCPayload            `cbor:"rbc,omitempty"`
	ABA         *ABAPayload            `cbor:"aba,omitempty"`
	CSSShare    *CSSSharePayload       `cbor:"css_share,omitempty"`
	CSSSubShare *CSSSubSharePayload    `cbor:"css_subshare,omitempty"`
	CSSHappy    *CSSHappyPayload       `cbor:"css_happy,omitempty"`
	CSSRecon    *CSSReconstructPayload `cbor:"css_recon,omitempty"`
	Value       *ValuePayload          `cbor:"val,omitempty"`
	Output      *OutputPayload         `cbor:"output,omitempty"`
}

// Marshal encodes the message for the wire.
func (m Message) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// UnmarshalMessage decodes a wire message.
func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	err := cbor.Unmarshal(data, &m)
	return m, err
}
