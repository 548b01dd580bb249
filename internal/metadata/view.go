package metadata

import "sync/atomic"

// view is one immutable snapshot of the materialized state. The FSM
// never mutates a view in place; it builds a new one and swaps the
// pointer (spec §5: "Metadata materialized view: updated only by the
// log-apply task; readers take a snapshot pointer (copy-on-write) to
// avoid blocking").
type view struct {
	files  map[fileKey]FileMeta
	shards map[string]ShardMeta
}

type fileKey struct{ owner, name string }

func newView() *view {
	return &view{
		files:  make(map[fileKey]FileMeta),
		shards: make(map[string]ShardMeta),
	}
}

// clone returns a shallow copy whose top-level maps are distinct, so
// the FSM can mutate the clone freely before publishing it.
func (v *view) clone() *view {
	nv := newView()
	for k, f := range v.files {
		nv.files[k] = f
	}
	for k, s := range v.shards {
		nv.shards[k] = s
	}
	return nv
}

// View is the read side of the materialized view: a snapshot pointer
// any number of readers can consult without blocking the apply path.
type View struct {
	ptr atomic.Pointer[view]
}

func newMaterializedView() *View {
	v := &View{}
	v.ptr.Store(newView())
	return v
}

func (mv *View) publish(v *view) {
	mv.ptr.Store(v)
}

func (mv *View) current() *view {
	return mv.ptr.Load()
}

// GetFile returns the committed metadata for (owner, name).
func (mv *View) GetFile(owner, name string) (FileMeta, bool) {
	f, ok := mv.current().files[fileKey{owner, name}]
	return f, ok
}

// GetShard returns the committed metadata for a shard id.
func (mv *View) GetShard(shardID string) (ShardMeta, bool) {
	s, ok := mv.current().shards[shardID]
	return s, ok
}

// ListFiles returns every committed file owned by owner (spec §4.7
// Search/List: "pure materialized-view reads; may be served from any
// metadata replica").
func (mv *View) ListFiles(owner string) []FileMeta {
	v := mv.current()
	out := make([]FileMeta, 0)
	for k, f := range v.files {
		if k.owner == owner {
			out = append(out, f)
		}
	}
	return out
}

// AllShards returns every shard currently tracked, used by the
// replication worker to scan for under-replicated shards (spec §4.4).
func (mv *View) AllShards() []ShardMeta {
	v := mv.current()
	out := make([]ShardMeta, 0, len(v.shards))
	for _, s := range v.shards {
		out = append(out, s)
	}
	return out
}
