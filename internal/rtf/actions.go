package rtf

import "context"

// action identifies a recognised control word.
type action uint8

const (
	// actionObject marks the \object control word, which introduces an
	// embedded-object group.
	actionObject action = iota
	// actionObjectData marks the \objdata control word, whose group body
	// is the hex-encoded object payload.
	actionObjectData
)

// actionSet is a bitset of action values seen at or above a frame.
type actionSet uint8

func (s actionSet) has(a action) bool { return s&(1<<a) != 0 }
func (s *actionSet) add(a action)     { *s |= 1 << a }

// actionEntry maps one control-word key to its action code. The key is the
// control word exactly as accumulated by the tokenizer, including the
// terminating whitespace byte when the word was whitespace-delimited: the
// \objdata entry therefore carries a trailing space, while \object matches
// only when delimited by a non-whitespace byte such as the backslash of the
// following control word.
type actionEntry struct {
	word string
	act  action
}

// actionTable is the control-word lookup table. It holds a fixed handful of
// entries, so a linear scan beats any hashed container.
type actionTable []actionEntry

func newActionTable() actionTable {
	return actionTable{
		{word: "object", act: actionObject},
		{word: "objdata ", act: actionObjectData},
	}
}

// lookup returns the action bound to word, if any.
func (t actionTable) lookup(word []byte) (action, bool) {
	for _, e := range t {
		if string(word) == e.word {
			return e.act, true
		}
	}
	return 0, false
}

// dispatch applies a recognised action to the active frame.
//
// \object only records its presence in the frame's inherited action bits.
// \objdata binds the extractor sink, but solely when an enclosing \object
// has been seen: the bits are inherited on push, so the scope check is O(1)
// regardless of nesting depth and survives intervening default frames. If
// the frame already carries a bound extractor, that extractor is finalised
// first (recovering and scanning any partial object) before the fresh
// binding replaces it.
func (p *Parser) dispatch(ctx context.Context, act action) error {
	switch act {
	case actionObject:
		p.cur.seen.add(actionObject)

	case actionObjectData:
		if !p.cur.seen.has(actionObject) {
			return nil
		}
		p.cur.seen.add(actionObjectData)
		if s := p.cur.sink; s != nil {
			p.cur.sink = nil
			if err := s.end(ctx); err != nil {
				return err
			}
		}
		p.cur.sink = newObjdataSink(p)
	}
	return nil
}
