package draft

import (
	"bytes"
	"encoding/json"
)

const (
	// 标题也当作一个字段来加锁
	TitleFieldID = "title"

	DefaultColumns = 12

	// 单个字段的 y/h 上限，防止客户端传入的巨大值在布局计算里溢出
	MaxRows = 1 << 16

	lockKeyPrefix = "block:"
)

// Layout 是字段在网格里的位置（列数固定，行无限）
type Layout struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Field 是文档里的一个内容块。Value 对服务端是不透明的，媒体 ID 等原样透传。
type Field struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Value  json.RawMessage `json:"value,omitempty"`
	Layout Layout          `json:"layout"`
}

type Document struct {
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

func LockKey(fieldID string) string { return lockKeyPrefix + fieldID }

func (f Field) clone() Field {
	if f.Value != nil {
		f.Value = append(json.RawMessage(nil), f.Value...)
	}
	return f
}

func (d Document) Clone() Document {
	out := Document{Title: d.Title, Fields: make([]Field, len(d.Fields))}
	for i, f := range d.Fields {
		out.Fields[i] = f.clone()
	}
	return out
}

func (d Document) index(id string) (int, bool) {
	for i, f := range d.Fields {
		if f.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (d Document) Field(id string) (Field, bool) {
	if i, ok := d.index(id); ok {
		return d.Fields[i], true
	}
	return Field{}, false
}

// Equal 按规范化后的 JSON 比较，值里的空白和对象键顺序不影响结果
func (d Document) Equal(o Document) bool {
	a, err := d.canonical()
	if err != nil {
		return false
	}
	b, err := o.canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func (d Document) canonical() ([]byte, error) {
	c := d.Clone()
	for i, f := range c.Fields {
		if len(f.Value) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(f.Value, &v); err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		c.Fields[i].Value = b
	}
	if c.Fields == nil {
		c.Fields = []Field{}
	}
	return json.Marshal(c)
}
