// Package resolver implements the ${...} substitution engine. Every string
// field of a step configuration is rewritten against the Job Context just
// before dispatch to the per-type runner.
//
// Substitution is single-pass and non-recursive: a substituted value that
// itself contains ${...} is not re-expanded. This keeps user-controlled data
// (webhook payloads, step outputs) from injecting references into trusted
// fields.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/conveyr/conveyr/internal/domain"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DecryptFunc decrypts a sensitive variable's ciphertext at resolve time.
type DecryptFunc func(ciphertext string) (string, error)

type Resolver struct {
	jc      *domain.JobContext
	decrypt DecryptFunc

	// sensitive collects resolved plaintext of sensitive variables so that
	// log lines can be masked afterwards.
	sensitive map[string]struct{}
}

func New(jc *domain.JobContext, decrypt DecryptFunc) *Resolver {
	return &Resolver{
		jc:        jc,
		decrypt:   decrypt,
		sensitive: make(map[string]struct{}),
	}
}

// Resolve substitutes every ${IDENT} in s. All unresolved references are
// collected into a single validation error listing every missing name.
// A string without references is returned unchanged, which also makes
// resolution idempotent on fully concrete strings.
func (r *Resolver) Resolve(s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var missing []string
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		ident := match[2 : len(match)-1]
		val, err := r.lookup(ident)
		if err != nil {
			missing = append(missing, ident)
			return match
		}
		return val
	})

	if len(missing) > 0 {
		return "", domain.Errorf(domain.KindValidation, false,
			"unresolved references: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// EvalCondition resolves a step predicate and interprets the result as a
// boolean. Empty, "false" and "0" are false; everything else is true.
func (r *Resolver) EvalCondition(expr string) (bool, error) {
	resolved, err := r.Resolve(expr)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(resolved)) {
	case "", "false", "0", "no":
		return false, nil
	}
	return true, nil
}

// Mask replaces resolved sensitive values in s with a placeholder. Runners
// must pass any logged configuration through Mask.
func (r *Resolver) Mask(s string) string {
	// Longest first so overlapping secrets do not leave fragments behind.
	values := make([]string, 0, len(r.sensitive))
	for v := range r.sensitive {
		if v != "" {
			values = append(values, v)
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		s = strings.ReplaceAll(s, v, "*****")
	}
	return s
}

func (r *Resolver) lookup(ident string) (string, error) {
	switch {
	case strings.HasPrefix(ident, "steps."):
		return r.lookupStep(strings.TrimPrefix(ident, "steps."))
	case strings.HasPrefix(ident, "webhook."):
		return r.lookupWebhook(strings.TrimPrefix(ident, "webhook."))
	case strings.HasPrefix(ident, "files["):
		return r.lookupFile(ident)
	default:
		return r.lookupVariable(ident)
	}
}

func (r *Resolver) lookupVariable(name string) (string, error) {
	v, ok := r.jc.Variables[name]
	if !ok {
		return "", fmt.Errorf("variable %q not found", name)
	}
	if !v.Sensitive {
		return v.Value, nil
	}
	if r.decrypt == nil {
		return "", fmt.Errorf("sensitive variable %q cannot be decrypted", name)
	}
	plain, err := r.decrypt(v.Value)
	if err != nil {
		return "", fmt.Errorf("decrypt variable %q: %w", name, err)
	}
	r.sensitive[plain] = struct{}{}
	return plain, nil
}

// lookupStep navigates <step_id>.<field_path> into a stored StepOutput.
func (r *Resolver) lookupStep(path string) (string, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return "", fmt.Errorf("step reference %q needs a field path", path)
	}
	out, ok := r.jc.Steps[parts[0]]
	if !ok {
		return "", fmt.Errorf("step %q has no recorded output", parts[0])
	}

	// The first path element addresses the StepOutput document itself.
	var root any
	switch parts[1] {
	case "output":
		root = out.Output
	case "status":
		return string(out.Status), nil
	default:
		return "", fmt.Errorf("unknown step field %q", parts[1])
	}
	return navigate(root, parts[2:])
}

func (r *Resolver) lookupWebhook(path string) (string, error) {
	if r.jc.Webhook == nil {
		return "", fmt.Errorf("execution has no webhook data")
	}
	parts := strings.SplitN(path, ".", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("webhook reference %q needs a field", path)
	}
	switch parts[0] {
	case "payload":
		return navigate(anyMap(r.jc.Webhook.Payload), strings.Split(parts[1], "."))
	case "query":
		v, ok := r.jc.Webhook.Query[parts[1]]
		if !ok {
			return "", fmt.Errorf("webhook query param %q not found", parts[1])
		}
		return v, nil
	case "headers":
		v, ok := r.jc.Webhook.Headers[parts[1]]
		if !ok {
			return "", fmt.Errorf("webhook header %q not found", parts[1])
		}
		return v, nil
	default:
		return "", fmt.Errorf("unknown webhook section %q", parts[0])
	}
}

var filePattern = regexp.MustCompile(`^files\[(\d+)\]\.(\w+)$`)

func (r *Resolver) lookupFile(ident string) (string, error) {
	m := filePattern.FindStringSubmatch(ident)
	if m == nil {
		return "", fmt.Errorf("malformed file reference %q", ident)
	}
	idx, _ := strconv.Atoi(m[1])
	if idx >= len(r.jc.Files) {
		return "", fmt.Errorf("file index %d out of range (%d files)", idx, len(r.jc.Files))
	}
	f := r.jc.Files[idx]
	switch m[2] {
	case "path":
		return f.Path, nil
	case "filename":
		return f.Filename, nil
	case "size_bytes":
		return strconv.FormatInt(f.SizeBytes, 10), nil
	case "mime_type":
		return f.MimeType, nil
	case "row_count":
		if f.RowCount == nil {
			return "", fmt.Errorf("file %d has no row count", idx)
		}
		return strconv.Itoa(*f.RowCount), nil
	default:
		return "", fmt.Errorf("unknown file field %q", m[2])
	}
}

// navigate walks a decoded JSON structure along a dotted path and formats
// the leaf as a string.
func navigate(root any, path []string) (string, error) {
	cur := root
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("cannot descend into %q: not an object", key)
		}
		cur, ok = m[key]
		if !ok {
			return "", fmt.Errorf("field %q not found", key)
		}
	}
	return formatValue(cur)
}

func formatValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("format value: %w", err)
		}
		return string(b), nil
	}
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
