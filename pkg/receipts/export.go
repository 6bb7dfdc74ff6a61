package receipts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openibank/openibank-sub001/pkg/fault"
)

const maxLine = 4 << 20

// Export writes the receipts matching f to w, one JSON object per line,
// in append order. It returns the number of receipts written.
func Export(w io.Writer, s Store, f Filter) (int, error) {
	rs, err := s.List(f)
	if err != nil {
		return 0, err
	}
	return WriteBundle(w, rs)
}

// WriteBundle writes receipts as JSON lines.
func WriteBundle(w io.Writer, rs []*Receipt) (int, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, r := range rs {
		if err := enc.Encode(r); err != nil {
			return i, fmt.Errorf("write receipt %s: %w", r.ID, err)
		}
	}
	return len(rs), nil
}

// ReadBundle parses a JSON lines bundle. Blank lines are skipped.
func ReadBundle(r io.Reader) ([]*Receipt, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	var out []*Receipt
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec Receipt
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, &rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return out, nil
}

// VerifyChain verifies every receipt of a bundle and the per-subject hash
// links between them. A subject's first receipt in the bundle may point to
// a predecessor outside it (filtered exports); every later one must point
// to the previous receipt of that subject in the bundle. When trustedKey is
// set, every receipt must be signed by it.
func VerifyChain(rs []*Receipt, trustedKey string) error {
	const op = "receipts.verify_chain"
	type tip struct {
		digest string
		seq    uint64
	}
	tips := make(map[string]tip)
	for _, r := range rs {
		if err := Verify(r); err != nil {
			return err
		}
		if trustedKey != "" && r.SignerPublicKey != trustedKey {
			return fault.New(fault.SignatureInvalid, op, "receipt %s signed by untrusted key", r.ID)
		}
		digest, err := r.Digest()
		if err != nil {
			return err
		}
		if prev, seen := tips[r.Subject]; seen {
			if r.PriorReceiptRef != prev.digest {
				return fault.New(fault.SignatureInvalid, op, "receipt %s breaks the chain of %s", r.ID, r.Subject)
			}
			if r.LedgerSeq < prev.seq {
				return fault.New(fault.SignatureInvalid, op, "receipt %s goes back in sequence", r.ID)
			}
		}
		tips[r.Subject] = tip{digest: digest, seq: r.LedgerSeq}
	}
	return nil
}
