package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrDuplicateField = errors.New("duplicate field id")
	ErrFieldNotFound  = errors.New("field not found")
)

// Apply 在副本上按顺序执行 cmds，任何一条失败都返回原文档和错误（全有或全无）。
// columns 是网格列数，<=0 时用 DefaultColumns。
func Apply(doc Document, cmds Commands, columns int) (Document, error) {
	if len(cmds) == 0 {
		return doc, fmt.Errorf("%w: empty patch", ErrInvalidCommand)
	}
	out := doc.Clone()
	for i, cmd := range cmds {
		if err := out.apply(cmd, columns); err != nil {
			return doc, fmt.Errorf("command %d (%s): %w", i, kindOf(cmd), err)
		}
	}
	return out, nil
}

func kindOf(cmd Command) Kind {
	if cmd == nil {
		return ""
	}
	return cmd.Kind()
}

func (d *Document) apply(cmd Command, columns int) error {
	if columns <= 0 {
		columns = DefaultColumns
	}
	switch c := cmd.(type) {
	case InsertField:
		if c.Field.ID == "" || c.Field.ID == TitleFieldID {
			return fmt.Errorf("%w: bad field id %q", ErrInvalidCommand, c.Field.ID)
		}
		if _, ok := d.index(c.Field.ID); ok {
			return fmt.Errorf("%w: %s", ErrDuplicateField, c.Field.ID)
		}
		if len(c.Field.Value) > 0 && !json.Valid(c.Field.Value) {
			return fmt.Errorf("%w: value of %s is not json", ErrInvalidCommand, c.Field.ID)
		}
		if err := checkLayout(c.Field.Layout, columns); err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrInvalidCommand, c.Field.ID, err)
		}
		d.Fields = append(d.Fields, c.Field.clone())
		d.Fields = Normalize(d.Fields, columns)

	case DeleteField:
		// 重复投递时字段可能已经不在了，直接忽略
		if i, ok := d.index(c.ID); ok {
			d.Fields = slices.Delete(d.Fields, i, i+1)
			d.Fields = Normalize(d.Fields, columns)
		}

	case SetValue:
		if c.ID == TitleFieldID {
			return fmt.Errorf("%w: use set_title for the title", ErrInvalidCommand)
		}
		i, ok := d.index(c.ID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrFieldNotFound, c.ID)
		}
		if len(c.Value) > 0 && !json.Valid(c.Value) {
			return fmt.Errorf("%w: value of %s is not json", ErrInvalidCommand, c.ID)
		}
		d.Fields[i].Value = append(json.RawMessage(nil), c.Value...)

	case SetTitle:
		d.Title = c.Title

	case MoveFields:
		if len(c.Moves) == 0 {
			return fmt.Errorf("%w: move without targets", ErrInvalidCommand)
		}
		for _, m := range c.Moves {
			i, ok := d.index(m.ID)
			if !ok {
				return fmt.Errorf("%w: %s", ErrFieldNotFound, m.ID)
			}
			if err := checkLayout(Layout{X: m.X, Y: m.Y, W: m.W, H: m.H}, columns); err != nil {
				return fmt.Errorf("%w: move %s: %v", ErrInvalidCommand, m.ID, err)
			}
			l := &d.Fields[i].Layout
			l.X, l.Y = m.X, m.Y
			if m.W > 0 {
				l.W = m.W
			}
			if m.H > 0 {
				l.H = m.H
			}
		}
		d.Fields = Normalize(d.Fields, columns)

	default:
		return fmt.Errorf("%w: unsupported command %T", ErrInvalidCommand, cmd)
	}
	return nil
}

// checkLayout 拒绝网格外的坐标。w/h 为 0 表示沿用默认值。
func checkLayout(l Layout, columns int) error {
	switch {
	case l.X < 0 || l.X >= columns:
		return fmt.Errorf("x=%d outside 0..%d", l.X, columns-1)
	case l.W < 0 || l.W > columns:
		return fmt.Errorf("w=%d outside 0..%d", l.W, columns)
	case l.Y < 0 || l.Y > MaxRows:
		return fmt.Errorf("y=%d outside 0..%d", l.Y, MaxRows)
	case l.H < 0 || l.H > MaxRows:
		return fmt.Errorf("h=%d outside 0..%d", l.H, MaxRows)
	}
	return nil
}

// Normalize 把布局压紧成无重叠、无空隙的网格：
// 先按 (y, x) 稳定排序（相同时保持原有顺序），夹到网格内，再逐个放到最靠上的空位。
func Normalize(fields []Field, columns int) []Field {
	if columns <= 0 {
		columns = DefaultColumns
	}
	out := make([]Field, len(fields))
	copy(out, fields)

	for i := range out {
		l := &out[i].Layout
		if l.W < 1 {
			l.W = 1
		}
		if l.W > columns {
			l.W = columns
		}
		if l.H < 1 {
			l.H = 1
		}
		if l.H > MaxRows {
			l.H = MaxRows
		}
		// 先把 x 夹到网格里再做加法，避免溢出
		if l.X < 0 {
			l.X = 0
		}
		if l.X > columns-l.W {
			l.X = columns - l.W
		}
		if l.Y < 0 {
			l.Y = 0
		}
		if l.Y > MaxRows {
			l.Y = MaxRows
		}
	}

	byPosition := func(i, j int) bool {
		a, b := out[i].Layout, out[j].Layout
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	}
	sort.SliceStable(out, byPosition)

	placed := make([]Layout, 0, len(out))
	for i := range out {
		l := out[i].Layout
		l.Y = 0
		for {
			hit, ok := firstCollision(l, placed)
			if !ok {
				break
			}
			l.Y = hit.Y + hit.H
		}
		out[i].Layout = l
		placed = append(placed, l)
	}

	sort.SliceStable(out, byPosition)
	return out
}

func firstCollision(l Layout, placed []Layout) (Layout, bool) {
	for _, p := range placed {
		if l.X < p.X+p.W && p.X < l.X+l.W && l.Y < p.Y+p.H && p.Y < l.Y+l.H {
			return p, true
		}
	}
	return Layout{}, false
}
