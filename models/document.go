package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zlnvch/signlink/signature"
)

type Kind string

const (
	KindLegacyReceipt Kind = "legacy-receipt"
	KindReceipt       Kind = "receipt"
	KindContract      Kind = "contract"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallySigned Status = "partially_signed"
	StatusSigned          Status = "signed"
)

// Party is one of the two implicit signing roles of receipt documents.
type Party string

const (
	PartySender   Party = "sender"
	PartyReceiver Party = "receiver"
)

var (
	ErrMissingPayload  = errors.New("document payload is required")
	ErrKindChange      = errors.New("document kind cannot change between contract and receipt")
	ErrInvalidDocument = errors.New("invalid document")
)

// Payload is the kind-specific body of a document. Exactly one payload is
// attached to a document, so the kind is always the payload's kind.
type Payload interface {
	Kind() Kind
}

type LegacyInfo struct {
	Title        string  `json:"title"`
	SenderName   string  `json:"senderName"`
	ReceiverName string  `json:"receiverName"`
	Amount       float64 `json:"amount"`
	Reason       string  `json:"reason,omitempty"`
	Location     string  `json:"location,omitempty"`
	Date         string  `json:"date,omitempty"`
}

func (LegacyInfo) Kind() Kind { return KindLegacyReceipt }

type ReceiptField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type ReceiptData struct {
	Title        string         `json:"title"`
	SenderName   string         `json:"senderName"`
	ReceiverName string         `json:"receiverName"`
	Amount       float64        `json:"amount"`
	Currency     string         `json:"currency,omitempty"`
	Fields       []ReceiptField `json:"fields,omitempty"`
	Note         string         `json:"note,omitempty"`
}

func (ReceiptData) Kind() Kind { return KindReceipt }

type ContractBody struct {
	Title          string `json:"title"`
	ContractNumber string `json:"contractNumber,omitempty"`
	Content        string `json:"content"`
	Location       string `json:"location,omitempty"`
	Date           string `json:"date,omitempty"`
}

func (ContractBody) Kind() Kind { return KindContract }

type Signer struct {
	Id            string               `json:"id"`
	Role          string               `json:"role"`
	Name          string               `json:"name,omitempty"`
	Email         string               `json:"email,omitempty"`
	Phone         string               `json:"phone,omitempty"`
	Signed        bool                 `json:"signed"`
	SignatureData *signature.Signature `json:"signatureData,omitempty"`
	SignedAt      *time.Time           `json:"signedAt,omitempty"`
}

type Document struct {
	Id          string
	OwnerUserId string
	Payload     Payload

	// Contract documents only.
	Signers []Signer

	// Legacy and receipt documents only.
	SignatureSender   *signature.Signature
	SignatureReceiver *signature.Signature
	SenderSignedAt    *time.Time
	ReceiverSignedAt  *time.Time

	Status    Status
	ViewedAt  *time.Time
	CreatedAt time.Time
	SignedAt  *time.Time

	// Version is bumped on every write and used for compare-and-swap.
	Version int64
}

func (d Document) Kind() Kind {
	if d.Payload == nil {
		return ""
	}
	return d.Payload.Kind()
}

// Title is the display title of the active payload.
func (d Document) Title() string {
	switch p := d.Payload.(type) {
	case LegacyInfo:
		return p.Title
	case ReceiptData:
		return p.Title
	case ContractBody:
		return p.Title
	}
	return ""
}

// UsesParties reports whether the document is signed through the
// sender/receiver roles instead of signer slots.
func (d Document) UsesParties() bool {
	k := d.Kind()
	return k == KindLegacyReceipt || k == KindReceipt
}

// SignerIndex returns the index of the signer slot with the given id, or -1.
func (d Document) SignerIndex(signerId string) int {
	for i := range d.Signers {
		if d.Signers[i].Id == signerId {
			return i
		}
	}
	return -1
}

// PartySignature returns the stored signature of a receipt role.
func (d Document) PartySignature(p Party) *signature.Signature {
	switch p {
	case PartySender:
		return d.SignatureSender
	case PartyReceiver:
		return d.SignatureReceiver
	}
	return nil
}

func hasSignature(sig *signature.Signature) bool {
	return sig != nil && signature.CheckContent(*sig) == nil
}

// DeriveStatus computes the status from signer state alone. Receipt kinds
// have no partial state.
func DeriveStatus(d Document) Status {
	switch d.Kind() {
	case KindContract:
		signed := 0
		for _, s := range d.Signers {
			if s.Signed && hasSignature(s.SignatureData) {
				signed++
			}
		}
		switch {
		case len(d.Signers) > 0 && signed == len(d.Signers):
			return StatusSigned
		case signed > 0:
			return StatusPartiallySigned
		default:
			return StatusPending
		}

	case KindLegacyReceipt, KindReceipt:
		if hasSignature(d.SignatureSender) && hasSignature(d.SignatureReceiver) {
			return StatusSigned
		}
		return StatusPending
	}
	return StatusPending
}

// SetPayload replaces the active payload. Receipt kinds may switch between
// each other; a contract's signer slots are fixed at authoring time, so
// moving into or out of the contract kind is refused.
func SetPayload(d *Document, p Payload) error {
	if p == nil {
		return ErrMissingPayload
	}
	if d.Payload != nil && (d.Kind() == KindContract) != (p.Kind() == KindContract) {
		return ErrKindChange
	}
	d.Payload = clonePayload(p)
	return nil
}

// Validate checks the invariants every persisted document must hold. Stores
// call it before each write.
func (d Document) Validate() error {
	if d.Payload == nil {
		return ErrMissingPayload
	}

	switch d.Kind() {
	case KindContract:
		if len(d.Signers) == 0 {
			return fmt.Errorf("%w: contract has no signers", ErrInvalidDocument)
		}
		if d.SignatureSender != nil || d.SignatureReceiver != nil {
			return fmt.Errorf("%w: contract carries receipt signatures", ErrInvalidDocument)
		}
		seen := make(map[string]struct{}, len(d.Signers))
		for _, s := range d.Signers {
			if s.Id == "" {
				return fmt.Errorf("%w: signer without id", ErrInvalidDocument)
			}
			if _, dup := seen[s.Id]; dup {
				return fmt.Errorf("%w: duplicate signer id %q", ErrInvalidDocument, s.Id)
			}
			seen[s.Id] = struct{}{}

			if !s.Signed {
				if s.SignatureData != nil || s.SignedAt != nil {
					return fmt.Errorf("%w: unsigned slot %q carries signature data", ErrInvalidDocument, s.Id)
				}
				continue
			}
			if s.SignatureData == nil || s.SignedAt == nil {
				return fmt.Errorf("%w: signed slot %q is missing its signature", ErrInvalidDocument, s.Id)
			}
			if err := signature.CheckContent(*s.SignatureData); err != nil {
				return fmt.Errorf("%w: signer %q: %w", ErrInvalidDocument, s.Id, err)
			}
		}

	case KindLegacyReceipt, KindReceipt:
		if len(d.Signers) > 0 {
			return fmt.Errorf("%w: receipt carries signer slots", ErrInvalidDocument)
		}
		for _, p := range []Party{PartySender, PartyReceiver} {
			if sig := d.PartySignature(p); sig != nil {
				if err := signature.CheckContent(*sig); err != nil {
					return fmt.Errorf("%w: %s: %w", ErrInvalidDocument, p, err)
				}
			}
		}

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDocument, d.Kind())
	}

	if d.Status != DeriveStatus(d) {
		return fmt.Errorf("%w: status %q does not match signer state", ErrInvalidDocument, d.Status)
	}
	if d.Status == StatusSigned && d.SignedAt == nil {
		return fmt.Errorf("%w: signed document without completion time", ErrInvalidDocument)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (d Document) Clone() Document {
	out := d
	out.Payload = clonePayload(d.Payload)
	if d.Signers != nil {
		out.Signers = make([]Signer, len(d.Signers))
		for i, s := range d.Signers {
			s.SignatureData = cloneSignature(s.SignatureData)
			s.SignedAt = cloneTime(s.SignedAt)
			out.Signers[i] = s
		}
	}
	out.SignatureSender = cloneSignature(d.SignatureSender)
	out.SignatureReceiver = cloneSignature(d.SignatureReceiver)
	out.SenderSignedAt = cloneTime(d.SenderSignedAt)
	out.ReceiverSignedAt = cloneTime(d.ReceiverSignedAt)
	out.ViewedAt = cloneTime(d.ViewedAt)
	out.SignedAt = cloneTime(d.SignedAt)
	return out
}

func clonePayload(p Payload) Payload {
	switch v := p.(type) {
	case ReceiptData:
		v.Fields = append([]ReceiptField(nil), v.Fields...)
		return v
	case *ReceiptData:
		cp := *v
		cp.Fields = append([]ReceiptField(nil), v.Fields...)
		return cp
	case *LegacyInfo:
		return *v
	case *ContractBody:
		return *v
	}
	return p
}

func cloneSignature(s *signature.Signature) *signature.Signature {
	if s == nil {
		return nil
	}
	cp := s.Clone()
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// documentJSON is the wire and storage shape. It keeps the historical three
// optional payload fields; exactly one is set.
type documentJSON struct {
	Id                string               `json:"id"`
	OwnerUserId       string               `json:"ownerUserId,omitempty"`
	Kind              Kind                 `json:"kind"`
	LegacyInfo        *LegacyInfo          `json:"legacyInfo,omitempty"`
	ReceiptData       *ReceiptData         `json:"receiptData,omitempty"`
	Document          *ContractBody        `json:"document,omitempty"`
	Signers           []Signer             `json:"signers,omitempty"`
	SignatureSender   *signature.Signature `json:"signatureSender,omitempty"`
	SignatureReceiver *signature.Signature `json:"signatureReceiver,omitempty"`
	SenderSignedAt    *time.Time           `json:"senderSignedAt,omitempty"`
	ReceiverSignedAt  *time.Time           `json:"receiverSignedAt,omitempty"`
	Status            Status               `json:"status"`
	ViewedAt          *time.Time           `json:"viewedAt,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	SignedAt          *time.Time           `json:"signedAt,omitempty"`
	Version           int64                `json:"version"`
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := documentJSON{
		Id:                d.Id,
		OwnerUserId:       d.OwnerUserId,
		Kind:              d.Kind(),
		Signers:           d.Signers,
		SignatureSender:   d.SignatureSender,
		SignatureReceiver: d.SignatureReceiver,
		SenderSignedAt:    d.SenderSignedAt,
		ReceiverSignedAt:  d.ReceiverSignedAt,
		Status:            d.Status,
		ViewedAt:          d.ViewedAt,
		CreatedAt:         d.CreatedAt,
		SignedAt:          d.SignedAt,
		Version:           d.Version,
	}
	switch p := clonePayload(d.Payload).(type) {
	case LegacyInfo:
		out.LegacyInfo = &p
	case ReceiptData:
		out.ReceiptData = &p
	case ContractBody:
		out.Document = &p
	}
	return json.Marshal(out)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var in documentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	var payloads []Payload
	if in.LegacyInfo != nil {
		payloads = append(payloads, *in.LegacyInfo)
	}
	if in.ReceiptData != nil {
		payloads = append(payloads, *in.ReceiptData)
	}
	if in.Document != nil {
		payloads = append(payloads, *in.Document)
	}
	if len(payloads) > 1 {
		return fmt.Errorf("%w: more than one payload field is set", ErrInvalidDocument)
	}

	var payload Payload
	if len(payloads) == 1 {
		payload = payloads[0]
		if in.Kind != "" && in.Kind != payload.Kind() {
			return fmt.Errorf("%w: kind %q does not match payload", ErrInvalidDocument, in.Kind)
		}
	}

	*d = Document{
		Id:                in.Id,
		OwnerUserId:       in.OwnerUserId,
		Payload:           payload,
		Signers:           in.Signers,
		SignatureSender:   in.SignatureSender,
		SignatureReceiver: in.SignatureReceiver,
		SenderSignedAt:    in.SenderSignedAt,
		ReceiverSignedAt:  in.ReceiverSignedAt,
		Status:            in.Status,
		ViewedAt:          in.ViewedAt,
		CreatedAt:         in.CreatedAt,
		SignedAt:          in.SignedAt,
		Version:           in.Version,
	}
	return nil
}

// DecodePayload decodes a kind-specific payload body.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrMissingPayload
	}
	switch kind {
	case KindLegacyReceipt:
		var p LegacyInfo
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode legacy info: %w", err)
		}
		return p, nil
	case KindReceipt:
		var p ReceiptData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode receipt data: %w", err)
		}
		return p, nil
	case KindContract:
		var p ContractBody
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode contract body: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDocument, kind)
}
