package index

import "math"

// tfidfIndex maintains per-document raw term counts and corpus document
// frequency; TF log-normalization and IDF re-weighting happen at query time,
// so an update never needs to touch every other document's cached vector.
type tfidfIndex struct {
	termCount map[string]map[string]int // key -> term -> raw count
	docFreq   map[string]int
}

func newTFIDFIndex() *tfidfIndex {
	return &tfidfIndex{
		termCount: make(map[string]map[string]int),
		docFreq:   make(map[string]int),
	}
}

func (t *tfidfIndex) remove(key string) {
	counts, ok := t.termCount[key]
	if !ok {
		return
	}
	for term := range counts {
		t.docFreq[term]--
		if t.docFreq[term] <= 0 {
			delete(t.docFreq, term)
		}
	}
	delete(t.termCount, key)
}

func (t *tfidfIndex) add(key string, text string) {
	tokens := tokenize(text)
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	for term := range counts {
		t.docFreq[term]++
	}
	t.termCount[key] = counts
}

func (t *tfidfIndex) idf(term string) float64 {
	n := float64(len(t.termCount))
	df := float64(t.docFreq[term])
	if df == 0 || n == 0 {
		return 0
	}
	return math.Log(n / df)
}

func logTF(count int) float64 {
	if count <= 0 {
		return 0
	}
	return 1 + math.Log(float64(count))
}

// search returns the top-k documents by cosine similarity to query,
// omitting zero-similarity documents.
func (t *tfidfIndex) search(query string, topK int) []ScoredKey {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(t.termCount) == 0 {
		return nil
	}

	queryCounts := make(map[string]int)
	for _, term := range queryTerms {
		queryCounts[term]++
	}
	queryVec := make(map[string]float64, len(queryCounts))
	var queryNorm float64
	for term, count := range queryCounts {
		w := logTF(count) * t.idf(term)
		queryVec[term] = w
		queryNorm += w * w
	}
	queryNorm = math.Sqrt(queryNorm)
	if queryNorm == 0 {
		return nil
	}

	scores := make(map[string]float64)
	insertSeq := make(map[string]int)
	seq := 0
	for key, counts := range t.termCount {
		insertSeq[key] = seq
		seq++

		var dot, docNorm float64
		for term, count := range counts {
			w := logTF(count) * t.idf(term)
			docNorm += w * w
			if qw, ok := queryVec[term]; ok {
				dot += w * qw
			}
		}
		docNorm = math.Sqrt(docNorm)
		if dot == 0 || docNorm == 0 {
			continue
		}
		sim := dot / (docNorm * queryNorm)
		if sim > 0 {
			scores[key] = sim
		}
	}

	return topKByScore(scores, insertSeq, topK)
}
