package orchestrator

import (
	"github.com/jani-run/jani/internal/arena"
	"github.com/jani-run/jani/jani"
)

// maxChunkBytes is the accumulated-body-size threshold past which the
// interest-query result encoder splits into multiple datagrams (spec.md
// §6). Inspector query responses are not chunked.
const maxChunkBytes = 500

// chunkQueryResult splits result's Matches across as many
// RuntimeComponentInterestQueryResult datagrams as needed to keep each
// one's encoded Matches at or under maxChunkBytes (a single match larger
// than that ships alone in its own chunk), preserving QueryingEntity and
// QueryingComponent on every chunk so the subscriber can reassemble them
// independently of arrival order (spec.md §5's per-subscription monotonic
// ordering guarantee only requires each chunk to be sent in order, not that
// a receiver merge them atomically).
func chunkQueryResult(pool *arena.Pool, result jani.RuntimeComponentInterestQueryResult, maxBytes int) []jani.RuntimeComponentInterestQueryResult {
	if len(result.Matches) == 0 {
		return []jani.RuntimeComponentInterestQueryResult{result}
	}
	var out []jani.RuntimeComponentInterestQueryResult
	var cur []jani.EntityComponentsPayload
	size := 0
	for _, m := range result.Matches {
		n := encodedSize(pool, m)
		if size > 0 && size+n > maxBytes {
			out = append(out, jani.RuntimeComponentInterestQueryResult{
				QueryingEntity: result.QueryingEntity, QueryingComponent: result.QueryingComponent, Matches: cur,
			})
			cur = nil
			size = 0
		}
		cur = append(cur, m)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, jani.RuntimeComponentInterestQueryResult{
			QueryingEntity: result.QueryingEntity, QueryingComponent: result.QueryingComponent, Matches: cur,
		})
	}
	return out
}

// encodedSize measures m's wire size using the arena's slotQueryResult
// scratch buffer, so estimating every match in a chunkQueryResult call
// reuses one growing backing array instead of allocating fresh per match.
func encodedSize(pool *arena.Pool, m jani.EntityComponentsPayload) int {
	buf := pool.Get(slotQueryResult)
	w := jani.NewWriterFrom(buf)
	m.Marshal(w)
	n := w.Len()
	pool.Put(slotQueryResult, w.Bytes())
	return n
}
