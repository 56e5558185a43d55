package txn

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"

	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/internal/wire"
)

// Transaction is the durable record of one commit attempt, written to
// _transactions/{read_version}-{uuid}.txn before the publish. Conflict
// resolution in other writers reads it back to learn what a committed
// version did.
type Transaction struct {
	// ReadVersion is the dataset version the operation was built
	// against.
	ReadVersion uint64
	// UUID distinguishes records sharing a read version.
	UUID string
	// Operation is the mutation this transaction carries.
	Operation Operation
}

// NewTransaction wraps an operation in a record with a fresh uuid.
func NewTransaction(readVersion uint64, op Operation) *Transaction {
	return &Transaction{ReadVersion: readVersion, UUID: uuid.NewString(), Operation: op}
}

// Path returns the record's location relative to the dataset root.
func (t *Transaction) Path() string {
	return format.TransactionPath(t.ReadVersion, t.UUID)
}

// Marshal encodes the record.
func (t *Transaction) Marshal() ([]byte, error) {
	payload, err := marshalOperation(t.Operation)
	if err != nil {
		return nil, err
	}
	var e wire.Encoder
	e.Uint(1, t.ReadVersion)
	e.String(2, t.UUID)
	e.Message(3, func(sub *wire.Encoder) {
		sub.Uint(1, uint64(t.Operation.Kind()))
		sub.BytesAlways(2, payload)
	})
	return e.Encoded(), nil
}

// UnmarshalTransaction decodes a record.
func UnmarshalTransaction(b []byte) (*Transaction, error) {
	t := &Transaction{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, fmt.Errorf("transaction: %w: %w", ErrCorruptTransaction, err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			if t.ReadVersion, err = d.Uint(); err != nil {
				return nil, badRecord("read version", err)
			}
		case 2:
			if t.UUID, err = d.String(); err != nil {
				return nil, badRecord("uuid", err)
			}
		case 3:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("operation", err)
			}
			if t.Operation, err = unmarshalOperation(sub); err != nil {
				return nil, err
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("transaction", err)
			}
		}
	}
	if t.Operation == nil {
		return nil, badRecord("operation", fmt.Errorf("missing"))
	}
	return t, nil
}

func badRecord(what string, err error) error {
	return fmt.Errorf("transaction %s: %w: %w", what, ErrCorruptTransaction, err)
}

func marshalOperation(op Operation) ([]byte, error) {
	var e wire.Encoder
	switch o := op.(type) {
	case *Append:
		for _, f := range o.Fragments {
			e.BytesAlways(1, format.MarshalFragment(f))
		}
	case *Overwrite:
		e.Bytes(1, format.MarshalSchema(o.Schema))
		for _, f := range o.Fragments {
			e.BytesAlways(2, format.MarshalFragment(f))
		}
		encodeMap(&e, 3, o.ConfigUpsert)
	case *Delete:
		for _, f := range o.UpdatedFragments {
			e.BytesAlways(1, format.MarshalFragment(f))
		}
		for _, id := range o.DeletedFragmentIDs {
			e.UintAlways(2, id)
		}
		e.String(3, o.Predicate)
	case *Rewrite:
		for _, g := range o.Groups {
			var gerr error
			e.Message(1, func(sub *wire.Encoder) {
				for _, id := range g.OldFragmentIDs {
					sub.UintAlways(1, id)
				}
				for _, f := range g.NewFragments {
					sub.BytesAlways(2, format.MarshalFragment(f))
				}
				if g.ChangedRowAddrs != nil && !g.ChangedRowAddrs.IsEmpty() {
					data, err := g.ChangedRowAddrs.MarshalBinary()
					if err != nil {
						gerr = err
						return
					}
					sub.Bytes(3, data)
				}
			})
			if gerr != nil {
				return nil, fmt.Errorf("encode rewrite group: %w", gerr)
			}
		}
	case *CreateIndex:
		section, err := format.MarshalIndexSection(o.New)
		if err != nil {
			return nil, err
		}
		e.Bytes(1, section)
		for _, id := range o.Removed {
			e.BytesAlways(2, id[:])
		}
	case *UpdateConfig:
		encodeMap(&e, 1, o.Upsert)
		for _, k := range o.DeleteKeys {
			e.StringAlways(2, k)
		}
		if o.SchemaMetadata != nil {
			e.UintAlways(3, 1)
			encodeMap(&e, 4, o.SchemaMetadata)
		}
		for id, md := range o.FieldMetadata {
			md := md
			e.Message(5, func(sub *wire.Encoder) {
				sub.Int(1, int64(id))
				encodeMap(sub, 2, md)
			})
		}
	case *UpdateMemWal:
		for i := range o.Added {
			e.BytesAlways(1, format.MarshalMemWal(&o.Added[i]))
		}
		for i := range o.Updated {
			e.BytesAlways(2, format.MarshalMemWal(&o.Updated[i]))
		}
		for _, id := range o.Removed {
			id := id
			e.Message(3, func(sub *wire.Encoder) {
				sub.String(1, id.Region)
				sub.Uint(2, id.Generation)
			})
		}
		for _, f := range o.NewFragments {
			e.BytesAlways(4, format.MarshalFragment(f))
		}
		e.String(5, o.ExpectedOwner)
	default:
		return nil, fmt.Errorf("encode operation: unknown kind %s", op.Kind())
	}
	return e.Encoded(), nil
}

func unmarshalOperation(b []byte) (Operation, error) {
	var kind Kind
	var payload []byte
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, badRecord("operation envelope", err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			v, err := d.Uint()
			if err != nil {
				return nil, badRecord("operation kind", err)
			}
			kind = Kind(v)
		case 2:
			if payload, err = d.Bytes(); err != nil {
				return nil, badRecord("operation payload", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("operation envelope", err)
			}
		}
	}
	switch kind {
	case KindAppend:
		return decodeAppend(payload)
	case KindOverwrite:
		return decodeOverwrite(payload)
	case KindDelete:
		return decodeDelete(payload)
	case KindRewrite:
		return decodeRewrite(payload)
	case KindCreateIndex:
		return decodeCreateIndex(payload)
	case KindUpdateConfig:
		return decodeUpdateConfig(payload)
	case KindUpdateMemWal:
		return decodeUpdateMemWal(payload)
	default:
		return nil, badRecord("operation", fmt.Errorf("unknown kind %d", kind))
	}
}

func decodeAppend(b []byte) (*Append, error) {
	op := &Append{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, badRecord("append", err)
		}
		if !ok {
			return op, nil
		}
		switch d.Field() {
		case 1:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("append fragment", err)
			}
			f, err := format.UnmarshalFragment(sub)
			if err != nil {
				return nil, err
			}
			op.Fragments = append(op.Fragments, f)
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("append", err)
			}
		}
	}
}

func decodeOverwrite(b []byte) (*Overwrite, error) {
	op := &Overwrite{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, badRecord("overwrite", err)
		}
		if !ok {
			return op, nil
		}
		switch d.Field() {
		case 1:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("overwrite schema", err)
			}
			if op.Schema, err = format.UnmarshalSchema(sub); err != nil {
				return nil, err
			}
		case 2:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("overwrite fragment", err)
			}
			f, err := format.UnmarshalFragment(sub)
			if err != nil {
				return nil, err
			}
			op.Fragments = append(op.Fragments, f)
		case 3:
			if err := decodeMapEntry(d, &op.ConfigUpsert); err != nil {
				return nil, err
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("overwrite", err)
			}
		}
	}
}

func decodeDelete(b []byte) (*Delete, error) {
	op := &Delete{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, badRecord("delete", err)
		}
		if !ok {
			return op, nil
		}
		switch d.Field() {
		case 1:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("delete fragment", err)
			}
			f, err := format.UnmarshalFragment(sub)
			if err != nil {
				return nil, err
			}
			op.UpdatedFragments = append(op.UpdatedFragments, f)
		case 2:
			id, err := d.Uint()
			if err != nil {
				return nil, badRecord("delete fragment id", err)
			}
			op.DeletedFragmentIDs = append(op.DeletedFragmentIDs, id)
		case 3:
			if op.Predicate, err = d.String(); err != nil {
				return nil, badRecord("delete predicate", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("delete", err)
			}
		}
	}
}

func decodeRewrite(b []byte) (*Rewrite, error) {
	op := &Rewrite{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, badRecord("rewrite", err)
		}
		if !ok {
			return op, nil
		}
		switch d.Field() {
		case 1:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("rewrite group", err)
			}
			g, err := decodeRewriteGroup(sub)
			if err != nil {
				return nil, err
			}
			op.Groups = append(op.Groups, g)
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("rewrite", err)
			}
		}
	}
}

func decodeRewriteGroup(b []byte) (RewriteGroup, error) {
	g := RewriteGroup{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return g, badRecord("rewrite group", err)
		}
		if !ok {
			return g, nil
		}
		switch d.Field() {
		case 1:
			id, err := d.Uint()
			if err != nil {
				return g, badRecord("rewrite old id", err)
			}
			g.OldFragmentIDs = append(g.OldFragmentIDs, id)
		case 2:
			sub, err := d.Bytes()
			if err != nil {
				return g, badRecord("rewrite fragment", err)
			}
			f, err := format.UnmarshalFragment(sub)
			if err != nil {
				return g, err
			}
			g.NewFragments = append(g.NewFragments, f)
		case 3:
			sub, err := d.Bytes()
			if err != nil {
				return g, badRecord("rewrite row addrs", err)
			}
			bm := roaring64.New()
			if err := bm.UnmarshalBinary(sub); err != nil {
				return g, badRecord("rewrite row addrs", err)
			}
			g.ChangedRowAddrs = bm
		default:
			if err := d.Keep(); err != nil {
				return g, badRecord("rewrite group", err)
			}
		}
	}
}

func decodeCreateIndex(b []byte) (*CreateIndex, error) {
	op := &CreateIndex{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, badRecord("create index", err)
		}
		if !ok {
			return op, nil
		}
		switch d.Field() {
		case 1:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("create index section", err)
			}
			if op.New, err = format.UnmarshalIndexSection(sub); err != nil {
				return nil, err
			}
		case 2:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("create index removed", err)
			}
			id, err := uuid.FromBytes(sub)
			if err != nil {
				return nil, badRecord("create index removed", err)
			}
			op.Removed = append(op.Removed, id)
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("create index", err)
			}
		}
	}
}

func decodeUpdateConfig(b []byte) (*UpdateConfig, error) {
	op := &UpdateConfig{}
	replace := false
	schemaMD := map[string]string{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, badRecord("update config", err)
		}
		if !ok {
			if replace {
				op.SchemaMetadata = schemaMD
			}
			return op, nil
		}
		switch d.Field() {
		case 1:
			if err := decodeMapEntry(d, &op.Upsert); err != nil {
				return nil, err
			}
		case 2:
			k, err := d.String()
			if err != nil {
				return nil, badRecord("update config delete key", err)
			}
			op.DeleteKeys = append(op.DeleteKeys, k)
		case 3:
			if _, err := d.Uint(); err != nil {
				return nil, badRecord("update config flag", err)
			}
			replace = true
		case 4:
			if err := decodeMapEntry(d, &schemaMD); err != nil {
				return nil, err
			}
		case 5:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("update config field metadata", err)
			}
			id, md, err := decodeFieldMetadata(sub)
			if err != nil {
				return nil, err
			}
			if op.FieldMetadata == nil {
				op.FieldMetadata = map[int32]map[string]string{}
			}
			op.FieldMetadata[id] = md
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("update config", err)
			}
		}
	}
}

func decodeUpdateMemWal(b []byte) (*UpdateMemWal, error) {
	op := &UpdateMemWal{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, badRecord("update memwal", err)
		}
		if !ok {
			return op, nil
		}
		switch d.Field() {
		case 1, 2:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("memwal record", err)
			}
			w, err := format.UnmarshalMemWal(sub)
			if err != nil {
				return nil, err
			}
			if d.Field() == 1 {
				op.Added = append(op.Added, *w)
			} else {
				op.Updated = append(op.Updated, *w)
			}
		case 3:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("memwal removed id", err)
			}
			id, err := decodeMemWalID(sub)
			if err != nil {
				return nil, err
			}
			op.Removed = append(op.Removed, id)
		case 4:
			sub, err := d.Bytes()
			if err != nil {
				return nil, badRecord("memwal fragment", err)
			}
			f, err := format.UnmarshalFragment(sub)
			if err != nil {
				return nil, err
			}
			op.NewFragments = append(op.NewFragments, f)
		case 5:
			if op.ExpectedOwner, err = d.String(); err != nil {
				return nil, badRecord("memwal owner", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, badRecord("update memwal", err)
			}
		}
	}
}

func decodeMemWalID(b []byte) (format.MemWalId, error) {
	id := format.MemWalId{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return id, badRecord("memwal id", err)
		}
		if !ok {
			return id, nil
		}
		switch d.Field() {
		case 1:
			if id.Region, err = d.String(); err != nil {
				return id, badRecord("memwal id region", err)
			}
		case 2:
			if id.Generation, err = d.Uint(); err != nil {
				return id, badRecord("memwal id generation", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return id, badRecord("memwal id", err)
			}
		}
	}
}

func decodeFieldMetadata(b []byte) (int32, map[string]string, error) {
	var id int32
	md := map[string]string{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return 0, nil, badRecord("field metadata", err)
		}
		if !ok {
			return id, md, nil
		}
		switch d.Field() {
		case 1:
			v, err := d.Int()
			if err != nil {
				return 0, nil, badRecord("field metadata id", err)
			}
			id = int32(v)
		case 2:
			if err := decodeMapEntry(d, &md); err != nil {
				return 0, nil, err
			}
		default:
			if err := d.Keep(); err != nil {
				return 0, nil, badRecord("field metadata", err)
			}
		}
	}
}

func encodeMap(e *wire.Encoder, field int, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic output for identical records.
	sort.Strings(keys)
	for _, k := range keys {
		k := k
		e.Message(field, func(sub *wire.Encoder) {
			sub.StringAlways(1, k)
			sub.String(2, m[k])
		})
	}
}

func decodeMapEntry(d *wire.Decoder, m *map[string]string) error {
	sub, err := d.Bytes()
	if err != nil {
		return badRecord("map entry", err)
	}
	var k, v string
	sd := wire.NewDecoder(sub)
	for {
		ok, err := sd.Next()
		if err != nil {
			return badRecord("map entry", err)
		}
		if !ok {
			break
		}
		switch sd.Field() {
		case 1:
			if k, err = sd.String(); err != nil {
				return badRecord("map key", err)
			}
		case 2:
			if v, err = sd.String(); err != nil {
				return badRecord("map value", err)
			}
		default:
			if err := sd.Keep(); err != nil {
				return badRecord("map entry", err)
			}
		}
	}
	if *m == nil {
		*m = map[string]string{}
	}
	(*m)[k] = v
	return nil
}
