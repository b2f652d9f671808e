package textenc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	startToken = "<|startoftext|>"
	endToken   = "<|endoftext|>"
	wordEnd    = "</w>"
)

// Pair is an adjacent pair of BPE symbols.
type Pair struct {
	A string
	B string
}

// Tokenizer is the CLIP byte-level BPE tokenizer. Every encoded prompt is
// wrapped in start/end tokens and padded with the end token to MaxLen.
type Tokenizer struct {
	encoder     map[string]int
	decoder     map[int]string
	bpeRanks    map[Pair]int
	cache       map[string][]string
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	pattern     *regexp.Regexp
	bosID       int
	eosID       int
	MaxLen      int
}

var clipPattern = regexp.MustCompile(`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`)

var whitespace = regexp.MustCompile(`\s+`)

// NewTokenizer builds a tokenizer from a vocabulary and merge list.
func NewTokenizer(vocab map[string]int, merges []string, maxLen int) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	bos, ok := vocab[startToken]
	if !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", startToken)
	}
	eos, ok := vocab[endToken]
	if !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", endToken)
	}
	if maxLen < 2 {
		return nil, fmt.Errorf("max length %d leaves no room for start and end tokens", maxLen)
	}
	ranks := make(map[Pair]int, len(merges))
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := Pair{A: parts[0], B: parts[1]}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	decoder := make(map[int]string, len(vocab))
	for tok, id := range vocab {
		decoder[id] = tok
	}
	byteEncoder, byteDecoder := bytesToUnicode()
	return &Tokenizer{
		encoder:     vocab,
		decoder:     decoder,
		byteDecoder: byteDecoder,
		bpeRanks:    ranks,
		cache:       make(map[string][]string),
		byteEncoder: byteEncoder,
		pattern:     clipPattern,
		bosID:       bos,
		eosID:       eos,
		MaxLen:      maxLen,
	}, nil
}

// LoadTokenizer reads vocab.json and merges.txt from a diffusers tokenizer/
// directory.
func LoadTokenizer(dir string, maxLen int) (*Tokenizer, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	vocab := make(map[string]int)
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab: %w", err)
	}
	merges, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}
	return NewTokenizer(vocab, strings.Split(string(merges), "\n"), maxLen)
}

func (t *Tokenizer) BOSID() int { return t.bosID }
func (t *Tokenizer) EOSID() int { return t.eosID }

// Encode returns exactly MaxLen token ids. Prompts longer than the window
// are truncated before the end token.
func (t *Tokenizer) Encode(text string) []int {
	text = strings.ToLower(strings.TrimSpace(whitespace.ReplaceAllString(text, " ")))
	ids := []int{t.bosID}
	for _, token := range t.pattern.FindAllString(text, -1) {
		if token == startToken || token == endToken {
			ids = append(ids, t.encoder[token])
			continue
		}
		for _, sym := range t.bpe(t.byteEncode(token)) {
			id, ok := t.encoder[sym]
			if !ok {
				id = t.eosID
			}
			ids = append(ids, id)
		}
	}
	if len(ids) > t.MaxLen-1 {
		ids = ids[:t.MaxLen-1]
	}
	ids = append(ids, t.eosID)
	for len(ids) < t.MaxLen {
		ids = append(ids, t.eosID)
	}
	return ids
}

// Decode turns ids back into text, dropping start and end tokens.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var words []string
	var b []byte
	flush := func() {
		if len(b) > 0 {
			words = append(words, string(b))
			b = b[:0]
		}
	}
	for _, id := range ids {
		if id == t.bosID || id == t.eosID {
			continue
		}
		tok, ok := t.decoder[id]
		if !ok {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		end := strings.HasSuffix(tok, wordEnd)
		tok = strings.TrimSuffix(tok, wordEnd)
		for _, r := range tok {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
		if end {
			flush()
		}
	}
	flush()
	return strings.Join(words, " "), nil
}

func (t *Tokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

// bpe merges a pre-token; the last symbol carries the end-of-word marker.
func (t *Tokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	word := splitRunes(token)
	if len(word) == 0 {
		return nil
	}
	word[len(word)-1] += wordEnd
	for len(word) > 1 {
		bestRank := int(^uint(0) >> 1)
		best := -1
		for i := range len(word) - 1 {
			if rank, ok := t.bpeRanks[Pair{A: word[i], B: word[i+1]}]; ok && rank < bestRank {
				bestRank, best = rank, i
			}
		}
		if best < 0 {
			break
		}
		word = mergePair(word, Pair{A: word[best], B: word[best+1]})
	}
	t.cache[token] = word
	return word
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func mergePair(word []string, pair Pair) []string {
	var out []string
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// bytesToUnicode maps bytes to printable runes so BPE never sees raw bytes.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	n := 0
	for b := range 256 {
		found := false
		for _, v := range bs {
			if v == b {
				found = true
				break
			}
		}
		if !found {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	byteEncoder := make(map[byte]string, len(bs))
	byteDecoder := make(map[string]byte, len(bs))
	for i := range bs {
		s := string(rune(cs[i]))
		byteEncoder[byte(bs[i])] = s
		byteDecoder[s] = byte(bs[i])
	}
	return byteEncoder, byteDecoder
}

// ByteSymbols lists the 256 printable symbols bytes map to, in byte order.
func ByteSymbols() []string {
	enc, _ := bytesToUnicode()
	out := make([]string, 256)
	for b := range 256 {
		out[b] = enc[byte(b)]
	}
	return out
}
