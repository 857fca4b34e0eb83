package draft

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindInsert   Kind = "insert"
	KindDelete   Kind = "delete"
	KindSetValue Kind = "set_value"
	KindSetTitle Kind = "set_title"
	KindMove     Kind = "move"
)

var ErrUnknownKind = errors.New("unknown command kind")

// Command 是一条文档变更指令。
// 封闭集合：只有本包里的五种类型实现它。
type Command interface {
	Kind() Kind
	isCommand()
}

type InsertField struct {
	Field Field
}

type DeleteField struct {
	ID string
}

type SetValue struct {
	ID    string
	Value json.RawMessage
}

type SetTitle struct {
	Title string
}

type MoveFields struct {
	Moves []Move
}

// Move 给一个字段指定新坐标；W/H 为 0 表示保持原尺寸
type Move struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
	W  int    `json:"w,omitempty"`
	H  int    `json:"h,omitempty"`
}

func (InsertField) Kind() Kind { return KindInsert }
func (DeleteField) Kind() Kind { return KindDelete }
func (SetValue) Kind() Kind    { return KindSetValue }
func (SetTitle) Kind() Kind    { return KindSetTitle }
func (MoveFields) Kind() Kind  { return KindMove }

func (InsertField) isCommand() {}
func (DeleteField) isCommand() {}
func (SetValue) isCommand()    {}
func (SetTitle) isCommand()    {}
func (MoveFields) isCommand()  {}

// Commands 是一次提交的有序指令序列，作为一个整体原子应用
type Commands []Command

// FieldIDs 返回这条指令会触碰到的字段（用于和锁表比对）
func FieldIDs(cmd Command) []string {
	switch c := cmd.(type) {
	case InsertField:
		return []string{c.Field.ID}
	case DeleteField:
		return []string{c.ID}
	case SetValue:
		return []string{c.ID}
	case SetTitle:
		return []string{TitleFieldID}
	case MoveFields:
		ids := make([]string, 0, len(c.Moves))
		for _, m := range c.Moves {
			ids = append(ids, m.ID)
		}
		return ids
	}
	return nil
}

// 线上格式：{"kind":"set_value","id":"b1","value":{...}}
type wireCommand struct {
	Kind  Kind            `json:"kind"`
	ID    string          `json:"id,omitempty"`
	Field *Field          `json:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Title *string         `json:"title,omitempty"`
	Moves []Move          `json:"moves,omitempty"`
}

func (cs Commands) MarshalJSON() ([]byte, error) {
	wire := make([]wireCommand, 0, len(cs))
	for _, cmd := range cs {
		var w wireCommand
		switch c := cmd.(type) {
		case InsertField:
			f := c.Field
			w = wireCommand{Kind: KindInsert, Field: &f}
		case DeleteField:
			w = wireCommand{Kind: KindDelete, ID: c.ID}
		case SetValue:
			w = wireCommand{Kind: KindSetValue, ID: c.ID, Value: c.Value}
		case SetTitle:
			t := c.Title
			w = wireCommand{Kind: KindSetTitle, Title: &t}
		case MoveFields:
			w = wireCommand{Kind: KindMove, Moves: c.Moves}
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownKind, cmd)
		}
		wire = append(wire, w)
	}
	return json.Marshal(wire)
}

func (cs *Commands) UnmarshalJSON(b []byte) error {
	var wire []wireCommand
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	out := make(Commands, 0, len(wire))
	for i, w := range wire {
		cmd, err := w.decode()
		if err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		out = append(out, cmd)
	}
	*cs = out
	return nil
}

func (w wireCommand) decode() (Command, error) {
	switch w.Kind {
	case KindInsert:
		if w.Field == nil {
			return nil, fmt.Errorf("%w: insert without field", ErrInvalidCommand)
		}
		return InsertField{Field: *w.Field}, nil
	case KindDelete:
		return DeleteField{ID: w.ID}, nil
	case KindSetValue:
		return SetValue{ID: w.ID, Value: w.Value}, nil
	case KindSetTitle:
		if w.Title == nil {
			return nil, fmt.Errorf("%w: set_title without title", ErrInvalidCommand)
		}
		return SetTitle{Title: *w.Title}, nil
	case KindMove:
		return MoveFields{Moves: w.Moves}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}
}
