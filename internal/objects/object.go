// Package objects implements the attachment-carrying object encoding and
// the resolver that walks it.
//
// An object is "obj {size}\0{fields}" where each field is
// {kind:1}{nameLen:2}{name}{payloadLen:4}{payload}. Fields are sorted by
// name so equal objects encode to equal bytes and hash to the same blob.
package objects

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/aweris/cafsd/internal/model"
)

// Kind is the type of a field.
type Kind uint8

const (
	// KindValue is opaque bytes.
	KindValue Kind = iota + 1
	// KindBlob references a blob by hash.
	KindBlob
	// KindObject references another encoded object stored as a blob.
	KindObject
	// KindContent references a content id.
	KindContent
	// KindEmbedded carries a nested object inline.
	KindEmbedded
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindBlob:
		return "blob"
	case KindObject:
		return "object"
	case KindContent:
		return "content"
	case KindEmbedded:
		return "embedded"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

const objectMagic = "obj "

// ErrNotObject is returned by Decode for bytes that are not an object
// encoding. Such blobs carry no attachments.
var ErrNotObject = errors.New("not an object encoding")

// Field is one named entry of an object.
type Field struct {
	Name string
	Kind Kind
	// Value holds the payload of KindValue fields.
	Value []byte
	// Hash holds the referenced id of KindBlob, KindObject and KindContent
	// fields.
	Hash model.BlobID
	// Embedded holds the nested object of KindEmbedded fields.
	Embedded *Object
}

// Object is a decoded object.
type Object struct {
	Fields []Field
}

func New() *Object { return &Object{} }

func (o *Object) AddValue(name string, v []byte) *Object {
	o.Fields = append(o.Fields, Field{Name: name, Kind: KindValue, Value: v})
	return o
}

func (o *Object) AddBlob(name string, id model.BlobID) *Object {
	o.Fields = append(o.Fields, Field{Name: name, Kind: KindBlob, Hash: id})
	return o
}

func (o *Object) AddObject(name string, id model.BlobID) *Object {
	o.Fields = append(o.Fields, Field{Name: name, Kind: KindObject, Hash: id})
	return o
}

func (o *Object) AddContent(name string, cid model.ContentID) *Object {
	o.Fields = append(o.Fields, Field{Name: name, Kind: KindContent, Hash: cid.AsBlob()})
	return o
}

func (o *Object) AddEmbedded(name string, child *Object) *Object {
	o.Fields = append(o.Fields, Field{Name: name, Kind: KindEmbedded, Embedded: child})
	return o
}

// Encode serializes the object. Fields are sorted by name first.
func (o *Object) Encode() ([]byte, error) {
	body, err := o.encodeFields()
	if err != nil {
		return nil, err
	}
	header := objectMagic + strconv.Itoa(len(body)) + "\x00"
	buf := make([]byte, len(header)+len(body))
	copy(buf, header)
	copy(buf[len(header):], body)
	return buf, nil
}

func (o *Object) encodeFields() ([]byte, error) {
	fields := append([]Field(nil), o.Fields...)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	var buf bytes.Buffer
	for _, f := range fields {
		if len(f.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("field name too long: %d bytes", len(f.Name))
		}
		var payload []byte
		switch f.Kind {
		case KindValue:
			payload = f.Value
		case KindBlob, KindObject, KindContent:
			payload = f.Hash.Bytes()
			if len(payload) != 32 {
				return nil, fmt.Errorf("field %q: invalid hash %q", f.Name, f.Hash)
			}
		case KindEmbedded:
			if f.Embedded == nil {
				return nil, fmt.Errorf("field %q: nil embedded object", f.Name)
			}
			nested, err := f.Embedded.encodeFields()
			if err != nil {
				return nil, err
			}
			payload = nested
		default:
			return nil, fmt.Errorf("field %q: unknown %s", f.Name, f.Kind)
		}
		if uint64(len(payload)) > math.MaxUint32 {
			return nil, fmt.Errorf("field %q: payload too large", f.Name)
		}

		buf.WriteByte(byte(f.Kind))
		binary.Write(&buf, binary.BigEndian, uint16(len(f.Name)))
		buf.WriteString(f.Name)
		binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
		buf.Write(payload)
	}
	return buf.Bytes(), nil
}

// IsObject reports whether data starts with an object header.
func IsObject(data []byte) bool {
	return bytes.HasPrefix(data, []byte(objectMagic))
}

// Decode parses an encoded object. Bytes without an object header return
// ErrNotObject; a malformed body returns model.ErrInvalidObject.
func Decode(data []byte) (*Object, error) {
	if !IsObject(data) {
		return nil, ErrNotObject
	}
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return nil, fmt.Errorf("%w: missing null terminator", model.ErrInvalidObject)
	}
	size, err := strconv.Atoi(string(data[len(objectMagic):idx]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad size: %v", model.ErrInvalidObject, err)
	}
	body := data[idx+1:]
	if size != len(body) {
		return nil, fmt.Errorf("%w: size %d does not match body of %d bytes", model.ErrInvalidObject, size, len(body))
	}
	return decodeFields(body)
}

func decodeFields(data []byte) (*Object, error) {
	obj := &Object{}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var f Field

		kind, err := r.ReadByte()
		if err != nil {
			return nil, invalid(err)
		}
		f.Kind = Kind(kind)

		var nameLen uint16
		if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
			return nil, invalid(err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, invalid(err)
		}
		f.Name = string(name)

		var payloadLen uint32
		if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
			return nil, invalid(err)
		}
		if int64(payloadLen) > int64(r.Len()) {
			return nil, fmt.Errorf("%w: field %q truncated", model.ErrInvalidObject, f.Name)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, invalid(err)
		}

		switch f.Kind {
		case KindValue:
			f.Value = payload
		case KindBlob, KindObject, KindContent:
			id, err := model.BlobIDFromBytes(payload)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %v", model.ErrInvalidObject, f.Name, err)
			}
			f.Hash = id
		case KindEmbedded:
			nested, err := decodeFields(payload)
			if err != nil {
				return nil, err
			}
			f.Embedded = nested
		default:
			return nil, fmt.Errorf("%w: field %q has unknown %s", model.ErrInvalidObject, f.Name, f.Kind)
		}
		obj.Fields = append(obj.Fields, f)
	}
	return obj, nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", model.ErrInvalidObject, err)
}
