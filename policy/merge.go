package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-tdx-guest/pcs"
	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/migtd/policy-tools/errdefs"
)

// keyAliases maps snake_case spellings of schema keys to the camelCase names
// the runtime deserializer expects.
var keyAliases = map[string]string{
	"td_identity":       FieldTDIdentity,
	"tcb_mapping":       FieldTCBMapping,
	"servtd_collateral": FieldServtdCollateral,
	"root_ca":           FieldRootCA,
	"policy_data":       DefaultFieldName,
	"tcb_info":          FieldTCBInfo,
}

// Merge combines a raw policy template with platform collateral and ServTD
// collateral into one canonical policy payload.
//
// The output holds the template keys in template order, followed by
// "collaterals" with the platforms indexed by FMSPC, followed by
// "servtdCollateral". Values are never rewritten apart from FMSPC
// upper-casing and the renaming of snake_case schema keys. Keys are renamed
// throughout the template rules but only at the top level of collateral
// documents and platform entries; the records they hold are copied as is.
// All content
// errors are reported together in an errdefs.GroupedError.
func Merge(rawPolicy, collaterals, servtdCollateral []byte) ([]byte, error) {
	var parseErrs []error
	parse := func(name string, data []byte, rename func(*Object) error) *Object {
		obj, err := ParseObject(data)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("parsing %s: %w", name, err))
			return nil
		}
		if err := rename(obj); err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("parsing %s: %w", name, err))
			return nil
		}
		return obj
	}
	tmpl := parse("raw policy", rawPolicy, renameTemplate)
	coll := parse("collaterals", collaterals, renameCollaterals)
	servtd := parse("servtd collateral", servtdCollateral, renameAliases)
	if err := errdefs.Group("merging policy:", parseErrs); err != nil {
		return nil, err
	}

	m := &merger{out: tmpl}
	m.checkTemplate()
	if built := m.buildCollaterals(coll); built != nil {
		m.combine(FieldCollaterals, built)
	}
	if built := m.buildServtd(servtd); built != nil {
		m.combine(FieldServtdCollateral, built)
	}
	m.requirePresent()
	if err := errdefs.Group("merging policy:", m.errs); err != nil {
		return nil, err
	}

	out, err := m.out.MarshalJSON()
	if err != nil {
		return nil, err
	}
	logger.V(1).Infof("merged policy with %d platform(s)", m.platforms)
	return Canonicalize(out)
}

type merger struct {
	out       *Object
	errs      []error
	platforms int
}

func (m *merger) fail(kind errdefs.Kind, format string, args ...any) {
	m.errs = append(m.errs, errdefs.Errorf(kind, format, args...))
}

func (m *merger) checkTemplate() {
	raw, ok := m.out.Get(FieldVersion)
	var version string
	if !ok || json.Unmarshal(raw, &version) != nil || version == "" {
		m.fail(errdefs.MissingRequiredField, "%s: must be a non-empty string", FieldVersion)
	}
	if raw, ok := m.out.Get(FieldID); ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			m.fail(errdefs.MalformedInput, "%s: must be a string", FieldID)
		} else if _, err := uuid.Parse(id); err != nil {
			m.fail(errdefs.MalformedInput, "%s: %v", FieldID, err)
		}
	}
}

// buildCollaterals converts the collateral document into the FMSPC-indexed
// form of the payload. It returns nil when the document holds nothing.
func (m *merger) buildCollaterals(doc *Object) *Object {
	built := NewObject()
	if raw, ok := doc.Get(FieldRootCA); ok && !isEmpty(raw) {
		var pemText string
		if err := json.Unmarshal(raw, &pemText); err != nil {
			m.fail(errdefs.MalformedInput, "collaterals.%s: must be a PEM string", FieldRootCA)
		} else if _, err := pemCertToDER([]byte(pemText)); err != nil {
			m.fail(errdefs.MalformedInput, "collaterals.%s: %w", FieldRootCA, err)
		}
		built.Set(FieldRootCA, raw)
	}

	raw, ok := doc.Get(FieldPlatforms)
	if !ok || isEmpty(raw) {
		if built.Len() == 0 {
			return nil
		}
		return built
	}
	platforms := NewObject()
	for _, entry := range m.platformEntries(raw) {
		fmspc, value := m.platformEntry(entry.label, entry.fmspc, entry.value)
		if value == nil {
			continue
		}
		if prev, dup := platforms.Get(fmspc); dup {
			if !canonicalEqual(prev, value) {
				m.fail(errdefs.DuplicateFmspc, "FMSPC %s appears with conflicting collateral", fmspc)
			}
			continue
		}
		platforms.Set(fmspc, value)
	}
	m.platforms += platforms.Len()
	if platforms.Len() > 0 {
		if err := built.SetValue(FieldPlatforms, platforms); err != nil {
			m.errs = append(m.errs, err)
		}
	}
	if built.Len() == 0 {
		return nil
	}
	return built
}

type platformSource struct {
	label string
	fmspc string
	value json.RawMessage
}

// platformEntries accepts platforms either as an array of entries carrying
// their own "fmspc" or as an object keyed by FMSPC.
func (m *merger) platformEntries(raw json.RawMessage) []platformSource {
	var entries []platformSource
	if isObject(raw) {
		obj, err := ParseObject(raw)
		if err != nil {
			m.errs = append(m.errs, err)
			return nil
		}
		for _, k := range obj.Keys() {
			v, _ := obj.Get(k)
			entries = append(entries, platformSource{label: "collaterals.platforms." + k, fmspc: k, value: v})
		}
		return entries
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		m.fail(errdefs.MalformedInput, "collaterals.%s: must be an array or an object", FieldPlatforms)
		return nil
	}
	for i, v := range list {
		entries = append(entries, platformSource{label: fmt.Sprintf("collaterals.platforms[%d]", i), value: v})
	}
	return entries
}

// platformEntry validates one platform entry and returns its FMSPC and the
// value stored under it in the payload.
func (m *merger) platformEntry(label, fmspc string, raw json.RawMessage) (string, json.RawMessage) {
	entry, err := ParseObject(raw)
	if err != nil {
		m.fail(errdefs.MalformedInput, "%s: must be an object", label)
		return "", nil
	}
	if v, ok := entry.Get(FieldFMSPC); ok {
		var inner string
		if err := json.Unmarshal(v, &inner); err != nil {
			m.fail(errdefs.MalformedInput, "%s.%s: must be a string", label, FieldFMSPC)
			return "", nil
		}
		if fmspc != "" && !strings.EqualFold(fmspc, inner) {
			m.fail(errdefs.MalformedInput, "%s.%s: %s does not match its key", label, FieldFMSPC, inner)
			return "", nil
		}
		fmspc = inner
		entry.Delete(FieldFMSPC)
	}
	if fmspc == "" {
		m.fail(errdefs.MissingRequiredField, "%s.%s", label, FieldFMSPC)
		return "", nil
	}
	fmspc, err = NormalizeFMSPC(fmspc)
	if err != nil {
		m.errs = append(m.errs, fmt.Errorf("%s: %w", label, err))
		return "", nil
	}

	ok := true
	if v, present := entry.Get(FieldTCBMapping); !present || isEmpty(v) {
		m.fail(errdefs.MissingRequiredField, "%s.%s", label, FieldTCBMapping)
		ok = false
	} else if !isObject(v) {
		m.fail(errdefs.MalformedInput, "%s.%s: must be an object", label, FieldTCBMapping)
		ok = false
	}
	if v, present := entry.Get(FieldTDIdentity); present && !isEmpty(v) {
		id := &TDIdentity{}
		if err := json.Unmarshal(v, id); err != nil {
			m.fail(errdefs.MalformedInput, "%s.%s: %w", label, FieldTDIdentity, err)
			ok = false
		} else if err := id.Validate(); err != nil {
			m.errs = append(m.errs, fmt.Errorf("%s: %w", label, err))
			ok = false
		}
	}
	if v, present := entry.Get(FieldTCBInfo); present && !isEmpty(v) {
		if err := checkTCBInfo(v, fmspc); err != nil {
			m.errs = append(m.errs, fmt.Errorf("%s: %w", label, err))
			ok = false
		}
	}
	if !ok {
		return "", nil
	}
	value, err := entry.MarshalJSON()
	if err != nil {
		m.errs = append(m.errs, err)
		return "", nil
	}
	return fmspc, value
}

// checkTCBInfo decodes an Intel TDX TCB info document and checks that it
// belongs to fmspc.
func checkTCBInfo(raw json.RawMessage, fmspc string) error {
	var info pcs.TdxTcbInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return errdefs.Errorf(errdefs.MalformedInput, "%s: %w", FieldTCBInfo, err)
	}
	if !strings.EqualFold(info.TcbInfo.Fmspc, fmspc) {
		return errdefs.Errorf(errdefs.MalformedInput, "%s: issued for FMSPC %q, entry is %s", FieldTCBInfo, info.TcbInfo.Fmspc, fmspc)
	}
	return nil
}

func (m *merger) buildServtd(doc *Object) *Object {
	if doc.Len() == 0 {
		return nil
	}
	for _, field := range []string{FieldTCBMapping, FieldTDIdentity} {
		if v, ok := doc.Get(field); ok && !isEmpty(v) && !isObject(v) {
			m.fail(errdefs.MalformedInput, "%s.%s: must be an object", FieldServtdCollateral, field)
		}
	}
	return doc
}

// combine deep-combines value into the output under key.
func (m *merger) combine(key string, value *Object) {
	raw, err := value.MarshalJSON()
	if err != nil {
		m.errs = append(m.errs, err)
		return
	}
	prev, ok := m.out.Get(key)
	if !ok || isEmpty(prev) {
		m.out.Set(key, raw)
		return
	}
	combined, err := deepCombine(prev, raw, key)
	if err != nil {
		m.errs = append(m.errs, err)
		return
	}
	m.out.Set(key, combined)
}

// requirePresent reports required sub-documents that neither the template
// nor the inputs provided.
func (m *merger) requirePresent() {
	coll, _ := m.out.Get(FieldCollaterals)
	if !hasNonEmpty(coll, FieldPlatforms) {
		m.fail(errdefs.MissingRequiredField, "%s.%s", FieldCollaterals, FieldPlatforms)
	}
	servtd, _ := m.out.Get(FieldServtdCollateral)
	for _, field := range []string{FieldTCBMapping, FieldTDIdentity} {
		if !hasNonEmpty(servtd, field) {
			m.fail(errdefs.MissingRequiredField, "%s.%s", FieldServtdCollateral, field)
		}
	}
}

func hasNonEmpty(raw json.RawMessage, key string) bool {
	if !isObject(raw) {
		return false
	}
	obj, err := ParseObject(raw)
	if err != nil {
		return false
	}
	v, ok := obj.Get(key)
	return ok && !isEmpty(v)
}

// deepCombine merges b into a. Objects are merged key by key, equal leaves
// collapse and unequal leaves conflict.
func deepCombine(a, b json.RawMessage, path string) (json.RawMessage, error) {
	if canonicalEqual(a, b) {
		return a, nil
	}
	if !isObject(a) || !isObject(b) {
		return nil, conflictError(path)
	}
	objA, err := ParseObject(a)
	if err != nil {
		return nil, err
	}
	objB, err := ParseObject(b)
	if err != nil {
		return nil, err
	}
	for _, key := range objB.Keys() {
		vb, _ := objB.Get(key)
		va, ok := objA.Get(key)
		if !ok {
			objA.Set(key, vb)
			continue
		}
		combined, err := deepCombine(va, vb, path+"."+key)
		if err != nil {
			return nil, err
		}
		objA.Set(key, combined)
	}
	return objA.MarshalJSON()
}

func conflictError(path string) error {
	prefix := FieldCollaterals + "." + FieldPlatforms + "."
	if rest, ok := strings.CutPrefix(path, prefix); ok {
		fmspc, _, _ := strings.Cut(rest, ".")
		return errdefs.Errorf(errdefs.DuplicateFmspc, "FMSPC %s appears with conflicting collateral", fmspc)
	}
	return errdefs.Errorf(errdefs.MalformedInput, "conflicting values at %s", path)
}

// renameAliases renames the snake_case schema keys at the top level of obj.
func renameAliases(obj *Object) error {
	for _, key := range obj.Keys() {
		if alias, ok := keyAliases[key]; ok {
			if err := obj.Rename(key, alias); err != nil {
				return err
			}
		}
	}
	return nil
}

// renameTemplate renames schema keys at every depth of the template rules.
// Collateral embedded in the template follows the collateral positions.
func renameTemplate(obj *Object) error {
	if err := renameAliases(obj); err != nil {
		return err
	}
	for _, key := range obj.Keys() {
		v, _ := obj.Get(key)
		var (
			renamed json.RawMessage
			err     error
		)
		switch key {
		case FieldCollaterals:
			renamed, err = renameObject(v, renameCollaterals)
		case FieldServtdCollateral:
			renamed, err = renameObject(v, renameAliases)
		default:
			renamed, err = renameDeep(v)
		}
		if err != nil {
			return err
		}
		obj.Set(key, renamed)
	}
	return nil
}

// renameCollaterals renames schema keys of a collateral document and of each
// of its platform entries.
func renameCollaterals(obj *Object) error {
	if err := renameAliases(obj); err != nil {
		return err
	}
	raw, ok := obj.Get(FieldPlatforms)
	if !ok {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		platforms, err := ParseObject(trimmed)
		if err != nil {
			return err
		}
		for _, fmspc := range platforms.Keys() {
			v, _ := platforms.Get(fmspc)
			renamed, err := renameObject(v, renameAliases)
			if err != nil {
				return err
			}
			platforms.Set(fmspc, renamed)
		}
		return obj.SetValue(FieldPlatforms, platforms)
	case len(trimmed) > 0 && trimmed[0] == '[':
		renamed, err := renameItems(trimmed, func(item json.RawMessage) (json.RawMessage, error) {
			return renameObject(item, renameAliases)
		})
		if err != nil {
			return err
		}
		obj.Set(FieldPlatforms, renamed)
	}
	return nil
}

// renameObject applies rename to raw when it holds an object. Other values
// are returned unchanged and left to the merge checks.
func renameObject(raw json.RawMessage, rename func(*Object) error) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, nil
	}
	obj, err := ParseObject(trimmed)
	if err != nil {
		return nil, err
	}
	if err := rename(obj); err != nil {
		return nil, err
	}
	return obj.MarshalJSON()
}

func renameDeep(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return raw, nil
	}
	switch trimmed[0] {
	case '{':
		return renameObject(trimmed, func(obj *Object) error {
			if err := renameAliases(obj); err != nil {
				return err
			}
			for _, key := range obj.Keys() {
				v, _ := obj.Get(key)
				renamed, err := renameDeep(v)
				if err != nil {
					return err
				}
				obj.Set(key, renamed)
			}
			return nil
		})
	case '[':
		return renameItems(trimmed, renameDeep)
	}
	return raw, nil
}

func renameItems(raw json.RawMessage, rename func(json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "%w", err)
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		renamed, err := rename(item)
		if err != nil {
			return nil, err
		}
		buf.Write(renamed)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
