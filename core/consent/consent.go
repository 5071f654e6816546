package consent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"
)

// TermsVersion identifies the agreement text users sign.
const TermsVersion = "2026-01-v1"

var (
	// ErrInvalidMessage is returned when a signed message does not match the
	// expected agreement for the wallet and terms version.
	ErrInvalidMessage = errors.New("consent: invalid consent message format")
	// ErrInvalidSignature is returned when the signature does not recover to
	// the claimed wallet.
	ErrInvalidSignature = errors.New("consent: signature verification failed")
)

var requiredPhrases = []string{
	"NON-REFUNDABLE",
	"NOT an investment",
	"NOT expect the NFT to have any resale value",
	"ZERO monetary value",
	"NOT been audited",
	"at least 18 years old",
	"I HAVE READ ALL REFERENCED DOCUMENTS",
}

var signedAtLine = regexp.MustCompile(`(?m)^Signature Timestamp: (.+)$`)

// Data is the signed acknowledgment held in memory until a mint completes.
type Data struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
	Message       string `json:"message"`
	TermsVersion  string `json:"termsVersion"`
	SignedAt      string `json:"signedAt"`
}

// Record is the payload forwarded to the consent collaborator once the mint
// transaction has confirmed.
type Record struct {
	Data
	MintTxHash string `json:"mintTxHash,omitempty"`
	TokenID    uint64 `json:"tokenId,omitempty"`
}

// Message renders the agreement text a wallet must sign.
func Message(wallet common.Address, now time.Time) string {
	return fmt.Sprintf(`SPATTERS NFT MINTING AGREEMENT

By signing this message, I confirm that I have read, understood, and agree to be legally bound by all of the following documents published at spatters.art/legal:

1. Terms of Service (spatters.art/legal/terms)
2. Privacy Policy (spatters.art/legal/privacy)
3. Cookie Policy (spatters.art/legal/cookies)
4. NFT License Agreement (spatters.art/legal/nft-license)
5. Copyright Policy (spatters.art/legal/copyright)
6. Risk Disclosure (spatters.art/legal/risk-disclosure)

I EXPLICITLY ACKNOWLEDGE AND AGREE THAT:

NON-REFUNDABLE PAYMENT:
- The minting fee I am about to pay is NON-REFUNDABLE under ANY circumstances.
- If I fail to select one of the three artwork options within the 45-minute window, my minting fee will NOT be refunded.
- If I abandon the minting process for any reason, my minting fee will NOT be refunded.
- There are no exceptions to this non-refund policy.

NOT AN INVESTMENT:
- I am NOT paying this minting fee for investment purposes.
- I am NOT purchasing this NFT with any expectation of profit or financial return.
- I understand this is a purchase of digital art, not a financial instrument or security.

NO GUARANTEED VALUE:
- I understand and accept that the NFT I receive may have ZERO monetary value.
- I do NOT expect the NFT to have any resale value whatsoever.
- I accept that there may be no secondary market for this NFT.
- I will not hold the artist or project liable for any financial losses.

UNAUDITED SMART CONTRACT:
- The smart contract has NOT been audited by any third party.
- I accept all risks associated with interacting with unaudited blockchain code.

ARTIST MINTING RIGHTS:
- The artist may mint and sell tokens without paying the minting fee.
- This may affect secondary market value and I accept this risk.

ELIGIBILITY:
- I am at least 18 years old or the legal age of majority in my jurisdiction.
- I am NOT located in a sanctioned or restricted jurisdiction.
- I am legally permitted to interact with blockchain applications.

I HAVE READ ALL REFERENCED DOCUMENTS IN FULL AND AGREE TO ALL TERMS.

Wallet Address: %s
Terms Version: %s
Signature Timestamp: %s`, wallet.Hex(), TermsVersion, now.UTC().Format(time.RFC3339Nano))
}

// ParseSignedAt extracts the signature timestamp from a consent message.
// Messages without the line fall back to now.
func ParseSignedAt(message string, now time.Time) string {
	if m := signedAtLine.FindStringSubmatch(message); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return now.UTC().Format(time.RFC3339Nano)
}

// VerifyMessage checks that message is the current agreement for wallet.
// Wallets may render compatibility forms (non-breaking spaces, fullwidth
// letters), so the text is compared in NFKC form.
func VerifyMessage(message, wallet string) bool {
	message = norm.NFKC.String(message)
	if !strings.Contains(message, "Wallet Address: "+wallet) {
		return false
	}
	if !strings.Contains(message, "Terms Version: "+TermsVersion) {
		return false
	}
	upper := strings.ToUpper(message)
	for _, phrase := range requiredPhrases {
		if !strings.Contains(upper, strings.ToUpper(phrase)) {
			return false
		}
	}
	return true
}

// RecoverSigner returns the address that produced an EIP-191 personal_sign
// signature over message.
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that signature over message was produced by wallet.
func VerifySignature(wallet, message, signature string) error {
	if !common.IsHexAddress(wallet) {
		return fmt.Errorf("%w: malformed wallet address", ErrInvalidSignature)
	}
	signer, err := RecoverSigner(message, signature)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(wallet) {
		return ErrInvalidSignature
	}
	return nil
}

// Validate checks both the message format and the signature of d.
func (d Data) Validate() error {
	if strings.TrimSpace(d.WalletAddress) == "" || strings.TrimSpace(d.Signature) == "" || strings.TrimSpace(d.Message) == "" {
		return fmt.Errorf("%w: walletAddress, signature and message are required", ErrInvalidMessage)
	}
	if err := VerifySignature(d.WalletAddress, d.Message, d.Signature); err != nil {
		return err
	}
	if !VerifyMessage(d.Message, d.WalletAddress) {
		return ErrInvalidMessage
	}
	if d.TermsVersion != "" && d.TermsVersion != TermsVersion {
		return fmt.Errorf("%w: terms version %s", ErrInvalidMessage, d.TermsVersion)
	}
	return nil
}

// HashSigner signs a 32-byte digest with a secp256k1 key.
type HashSigner interface {
	SignHash(hash []byte) ([]byte, error)
}

// Sign produces a personal_sign signature for message. The CLI uses it to sign
// the agreement with a keystore-held wallet.
func Sign(message string, key HashSigner) (string, error) {
	sig, err := key.SignHash(accounts.TextHash([]byte(message)))
	if err != nil {
		return "", err
	}
	if len(sig) == crypto.SignatureLength && sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return hexutil.Encode(sig), nil
}
