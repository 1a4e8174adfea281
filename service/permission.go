package service

import (
	"fmt"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/signature"
)

// SignerTarget names the slot a signature goes into: a signer id for
// contracts, a party role for legacy and receipt documents.
type SignerTarget struct {
	SignerId string
	Role     models.Party
}

func (t SignerTarget) String() string {
	if t.SignerId != "" {
		return "signer:" + t.SignerId
	}
	return "role:" + string(t.Role)
}

// CanMutate reports whether caller may change the document's metadata.
// Anonymous callers never can; they may only sign.
func CanMutate(caller models.Caller, doc models.Document) bool {
	if caller.IsAdmin() {
		return true
	}
	return caller.Kind == models.CallerUser && caller.UserId != "" && doc.OwnerUserId == caller.UserId
}

func CanEdit(caller models.Caller, doc models.Document) error {
	return guardMutation(caller, doc)
}

func CanDelete(caller models.Caller, doc models.Document) error {
	return guardMutation(caller, doc)
}

// Permission first, then the signed lock, which holds even for admins.
func guardMutation(caller models.Caller, doc models.Document) error {
	if !CanMutate(caller, doc) {
		return ErrForbidden
	}
	if models.DeriveStatus(doc) == models.StatusSigned {
		return ErrFullySigned
	}
	return nil
}

// CanSign checks the targeted slot. Holding the document link is the only
// authorization signing requires, so no caller is involved.
func CanSign(doc models.Document, target SignerTarget) error {
	if doc.UsesParties() {
		if target.SignerId != "" {
			return fmt.Errorf("%w: %s documents are signed by role", ErrInvalidInput, doc.Kind())
		}
		if target.Role != models.PartySender && target.Role != models.PartyReceiver {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, target.Role)
		}
		if sig := doc.PartySignature(target.Role); sig != nil && signature.CheckContent(*sig) == nil {
			return ErrAlreadySigned
		}
		return nil
	}

	if target.SignerId == "" {
		return fmt.Errorf("%w: contracts are signed by signer id", ErrInvalidInput)
	}
	idx := doc.SignerIndex(target.SignerId)
	if idx < 0 {
		return fmt.Errorf("%w: signer %s", ErrNotFound, target.SignerId)
	}
	if doc.Signers[idx].Signed {
		return ErrAlreadySigned
	}
	return nil
}
