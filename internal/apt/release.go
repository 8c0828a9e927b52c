package apt

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// releaseEntry is one file listed in the Release checksum table.
type releaseEntry struct {
	sha256 string
	size   int64
}

// verifyInRelease checks the clearsigned InRelease document against the
// archive keyring and returns the signed plaintext. The keyring may be
// armored or binary.
func verifyInRelease(data, keyringBytes []byte) ([]byte, error) {
	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("InRelease is not a clearsigned document")
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(keyringBytes))
	if err != nil {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(keyringBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to parse keyring: %w", err)
		}
	}

	_, err = openpgp.CheckDetachedSignature(keyring,
		bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, &packet.Config{})
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return block.Plaintext, nil
}

// stripClearsign returns the plaintext of a clearsigned document without
// verifying it, or the input unchanged when it is not clearsigned. Used when
// no keyring is configured.
func stripClearsign(data []byte) []byte {
	if block, _ := clearsign.Decode(data); block != nil {
		return block.Plaintext
	}
	return data
}

// parseChecksums extracts the SHA256 file table of a Release document:
// one "<hex> <size> <path>" line per indexed file.
func parseChecksums(release []byte) (map[string]releaseEntry, error) {
	entries := make(map[string]releaseEntry)

	inTable := false
	for _, line := range strings.Split(string(release), "\n") {
		if !strings.HasPrefix(line, " ") {
			inTable = strings.HasPrefix(line, "SHA256:")
			continue
		}
		if !inTable {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad size in Release checksum line %q: %w", line, err)
		}
		entries[fields[2]] = releaseEntry{sha256: fields[0], size: size}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("Release document carries no SHA256 table")
	}
	return entries, nil
}
