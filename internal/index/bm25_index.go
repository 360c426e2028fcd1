package index

import (
	"math"
	"sort"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// ScoredKey is one ranked search result.
type ScoredKey struct {
	Key   string
	Score float64
}

// bm25Index maintains per-document term frequency, document length, the
// corpus-wide document frequency per term, and insertion order for stable
// tie-breaking.
type bm25Index struct {
	termFreq   map[string]map[string]int // key -> term -> count
	docLen     map[string]int
	docFreq    map[string]int // term -> number of docs containing it
	insertSeq  map[string]int
	nextSeq    int
	totalLen   int
}

func newBM25Index() *bm25Index {
	return &bm25Index{
		termFreq:  make(map[string]map[string]int),
		docLen:    make(map[string]int),
		docFreq:   make(map[string]int),
		insertSeq: make(map[string]int),
	}
}

func (b *bm25Index) remove(key string) {
	freqs, ok := b.termFreq[key]
	if !ok {
		return
	}
	for term := range freqs {
		b.docFreq[term]--
		if b.docFreq[term] <= 0 {
			delete(b.docFreq, term)
		}
	}
	b.totalLen -= b.docLen[key]
	delete(b.termFreq, key)
	delete(b.docLen, key)
	delete(b.insertSeq, key)
}

func (b *bm25Index) add(key string, text string) {
	tokens := tokenize(text)
	freqs := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freqs[t]++
	}
	for term := range freqs {
		b.docFreq[term]++
	}
	b.termFreq[key] = freqs
	b.docLen[key] = len(tokens)
	b.totalLen += len(tokens)
	if _, exists := b.insertSeq[key]; !exists {
		b.insertSeq[key] = b.nextSeq
		b.nextSeq++
	}
}

func (b *bm25Index) avgDocLen() float64 {
	n := len(b.docLen)
	if n == 0 {
		return 0
	}
	return float64(b.totalLen) / float64(n)
}

func (b *bm25Index) idf(term string) float64 {
	n := float64(len(b.docLen))
	df := float64(b.docFreq[term])
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// search returns the top-k documents by BM25 score, ties broken by
// insertion order.
func (b *bm25Index) search(query string, topK int) []ScoredKey {
	terms := tokenize(query)
	if len(terms) == 0 || len(b.docLen) == 0 {
		return nil
	}
	avgLen := b.avgDocLen()

	scores := make(map[string]float64)
	for key, freqs := range b.termFreq {
		var score float64
		dl := float64(b.docLen[key])
		for _, term := range terms {
			f := float64(freqs[term])
			if f == 0 {
				continue
			}
			idf := b.idf(term)
			num := f * (bm25K1 + 1)
			den := f + bm25K1*(1-bm25B+bm25B*dl/avgLen)
			score += idf * (num / den)
		}
		if score != 0 {
			scores[key] = score
		}
	}

	return topKByScore(scores, b.insertSeq, topK)
}

func topKByScore(scores map[string]float64, insertSeq map[string]int, topK int) []ScoredKey {
	out := make([]ScoredKey, 0, len(scores))
	for k, s := range scores {
		out = append(out, ScoredKey{Key: k, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return insertSeq[out[i].Key] < insertSeq[out[j].Key]
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
