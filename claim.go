package hbitmap

// ArenaID identifies the arena a claimed range of pages/slices belongs
// to. Opaque to the bitmap -- it is only ever round-tripped through a
// ClaimFunc so a claiming allocator can check ownership without the
// bitmap package knowing anything about arenas.
type ArenaID uint64

// SubprocID identifies the subprocess (in mimalloc's terms) that owns an
// arena, for the same opaque round-trip purpose as ArenaID.
type SubprocID uint64

// HeapTag is a caller-defined classification (e.g. "this run of pages is
// for heap tag X") a ClaimFunc can use to accept or reject a candidate
// range beyond plain availability.
type HeapTag uint64

// ClaimResult is a ClaimFunc's verdict on a candidate range that
// TryFindAndClaim has provisionally cleared.
type ClaimResult int

const (
	// ClaimAccept keeps the range cleared: the claim succeeds.
	ClaimAccept ClaimResult = iota
	// ClaimRejectRetry puts the range back (sets the bits again) and
	// tells TryFindAndClaim to keep searching past it.
	ClaimRejectRetry
	// ClaimRejectStop puts the range back and tells TryFindAndClaim to
	// give up the whole search, reporting failure.
	ClaimRejectStop
)

// ClaimFunc inspects a tentatively-cleared range [idx, idx+n) and decides
// whether to keep it claimed. It stands in for the original's
// void*-argument claim callback (mi_claim_fun_t) as a typed Go function
// value per spec.md §9's explicit design note preferring a typed callback
// over an untyped pointer.
type ClaimFunc func(idx, n uint64, arena ArenaID, subproc SubprocID, tag HeapTag) ClaimResult

// TryFindAndClaim walks the chunkmap in the same cyclic, thread-dispersed
// order as TryFindAndClearN, but tries at most one candidate run of n
// bits per chunk and hands it to claim before committing to it. A
// ClaimRejectRetry re-sets that chunk's range and moves on to the next
// candidate chunk (it does not re-try the same chunk); a ClaimRejectStop
// re-sets the range and ends the whole walk immediately. This mirrors the
// original allocator's single-bit claim visitor (used to grab abandoned
// pages): the provisional clear/re-set pair means that between the clear
// and claim's verdict, the range is genuinely unavailable to any other
// finder.
func (bm *Bitmap) TryFindAndClaim(tseq TSeq, n uint64, arena ArenaID, subproc SubprocID, tag HeapTag, claim ClaimFunc) (uint64, bool) {
	return bm.find(tseq, func(chunkIdx uint64, c *BChunk) (uint64, visitOutcome) {
		cidx, ok := tryFindAndClearNInChunk(c, n)
		if !ok {
			return 0, visitMiss
		}
		idx := chunkIdx*bm.chunkBits + cidx
		switch claim(idx, n, arena, subproc, tag) {
		case ClaimAccept:
			return cidx, visitDone
		case ClaimRejectStop:
			c.SetN(cidx, n, nil)
			return 0, visitAbort
		default: // ClaimRejectRetry
			c.SetN(cidx, n, nil)
			return 0, visitMiss
		}
	})
}
