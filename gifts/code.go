package gifts

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"github.com/hostbill/ledger-core/ledger"
)

// codeRetryLimit bounds certificate code generation attempts. With 16
// random characters collisions are effectively impossible; the bound turns
// a broken store into a terminal CodeGenerationExhausted instead of a spin.
const codeRetryLimit = 10

// codeAlphabet omits 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// GenerateCode returns an unguessable, human-verifiable certificate code,
// e.g. "GC-7K2M-9XQW-4RTZ-PN38".
func GenerateCode() string {
	var b strings.Builder
	b.WriteString("GC")
	for group := 0; group < 4; group++ {
		b.WriteByte('-')
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
			if err != nil {
				panic(err) // crypto/rand failure is not recoverable
			}
			b.WriteByte(codeAlphabet[n.Int64()])
		}
	}
	return b.String()
}

func isDuplicate(err error) bool {
	return errors.Is(err, ledger.ErrDuplicateOperation)
}
