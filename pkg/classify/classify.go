package classify

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Knetic/govaluate"
)

// Class is the resource class of a request. It drives strategy and
// namespace selection.
type Class uint8

const (
	Generic Class = iota
	StaticAsset
	Template
	ContentDocument
	VisualAsset
	APIQuery
	APIMutation
)

var classNames = [...]string{
	Generic:         "generic",
	StaticAsset:     "static-asset",
	Template:        "template",
	ContentDocument: "content-document",
	VisualAsset:     "visual-asset",
	APIQuery:        "api-query",
	APIMutation:     "api-mutation",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// ParseClass is the inverse of Class.String.
func ParseClass(s string) (Class, error) {
	for i, n := range classNames {
		if n == s {
			return Class(i), nil
		}
	}
	return Generic, fmt.Errorf("unknown resource class %q", s)
}

// Strategy names how a class is served.
type Strategy uint8

const (
	NetworkFirst Strategy = iota
	CacheFirst
	StaleWhileRevalidate
	// Queue means the request is state-changing and never read from cache.
	Queue
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case Queue:
		return "queue"
	default:
		return "invalid"
	}
}

// StrategyOf returns the read strategy for c.
func StrategyOf(c Class) Strategy {
	switch c {
	case StaticAsset, Template, VisualAsset:
		return CacheFirst
	case ContentDocument:
		return StaleWhileRevalidate
	case APIMutation:
		return Queue
	default:
		return NetworkFirst
	}
}

// Logical namespace names.
const (
	NamespaceStatic    = "static"
	NamespaceTemplates = "templates"
	NamespaceContent   = "content"
	NamespaceAssets    = "assets"
	NamespaceDynamic   = "dynamic"
)

// Namespaces returns every logical namespace name.
func Namespaces() []string {
	return []string{NamespaceStatic, NamespaceTemplates, NamespaceContent, NamespaceAssets, NamespaceDynamic}
}

// NamespaceOf returns the logical cache namespace for c.
func NamespaceOf(c Class) string {
	switch c {
	case StaticAsset:
		return NamespaceStatic
	case Template:
		return NamespaceTemplates
	case ContentDocument:
		return NamespaceContent
	case VisualAsset:
		return NamespaceAssets
	default:
		return NamespaceDynamic
	}
}

// Rule is a user supplied classification rule. If is a govaluate boolean
// expression over the parameters path, ext and method.
type Rule struct {
	If    string `yaml:"if"`
	Class string `yaml:"class"`
}

type Opts struct {
	APIPrefixes      []string `yaml:"api_prefixes"`
	APIMarkers       []string `yaml:"api_markers"`
	TemplatePrefixes []string `yaml:"template_prefixes"`
	TemplateRoots    []string `yaml:"template_roots"`
	ContentPrefixes  []string `yaml:"content_prefixes"`
	VisualPrefixes   []string `yaml:"visual_prefixes"`
	VisualMarkers    []string `yaml:"visual_markers"`
	StaticExts       []string `yaml:"static_exts"`
	StaticPaths      []string `yaml:"static_paths"`
	Rules            []Rule   `yaml:"rules"`
}

func (opts *Opts) Init() {
	setDefaultSlice(&opts.APIPrefixes, "/api/")
	setDefaultSlice(&opts.APIMarkers, "/search", "/analytics")
	setDefaultSlice(&opts.TemplatePrefixes, "/templates/")
	setDefaultSlice(&opts.TemplateRoots, "/content/templates/")
	setDefaultSlice(&opts.ContentPrefixes, "/content/", "/principles/")
	setDefaultSlice(&opts.VisualPrefixes, "/assets/diagrams/", "/assets/images/")
	setDefaultSlice(&opts.VisualMarkers, "/svg/")
	setDefaultSlice(&opts.StaticExts, "css", "js", "woff", "woff2", "png", "jpg", "jpeg", "svg", "ico")
	setDefaultSlice(&opts.StaticPaths, "/", "/index.html", "/manifest.json")
}

func setDefaultSlice(p *[]string, v ...string) {
	if len(*p) == 0 {
		*p = v
	}
}

// Classifier maps requests to resource classes. It is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	opts       Opts
	staticExts map[string]struct{}
	staticPath map[string]struct{}
	rules      []compiledRule
}

type compiledRule struct {
	expr  *govaluate.EvaluableExpression
	class Class
}

var ruleFunctions = map[string]govaluate.ExpressionFunction{
	"has_prefix": func(args ...interface{}) (interface{}, error) {
		s, p, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(s, p), nil
	},
	"has_suffix": func(args ...interface{}) (interface{}, error) {
		s, p, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(s, p), nil
	},
	"contains": func(args ...interface{}) (interface{}, error) {
		s, p, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		return strings.Contains(s, p), nil
	},
}

func twoStrings(args []interface{}) (string, string, error) {
	if len(args) != 2 {
		return "", "", errors.New("want 2 arguments")
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return "", "", errors.New("arguments must be strings")
	}
	return a, b, nil
}

func NewClassifier(opts Opts) (*Classifier, error) {
	opts.Init()
	c := &Classifier{
		opts:       opts,
		staticExts: make(map[string]struct{}, len(opts.StaticExts)),
		staticPath: make(map[string]struct{}, len(opts.StaticPaths)),
	}
	for _, e := range opts.StaticExts {
		c.staticExts[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	for _, p := range opts.StaticPaths {
		c.staticPath[p] = struct{}{}
	}

	for i, r := range opts.Rules {
		class, err := ParseClass(r.Class)
		if err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i, err)
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(r.If, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule #%d: invalid expression: %w", i, err)
		}
		// Type check with a dummy request.
		out, err := expr.Evaluate(ruleParams("GET", "/", ""))
		if err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i, err)
		}
		if _, ok := out.(bool); !ok {
			return nil, fmt.Errorf("rule #%d: expression %q is not boolean", i, r.If)
		}
		c.rules = append(c.rules, compiledRule{expr: expr, class: class})
	}
	return c, nil
}

func ruleParams(method, p, ext string) map[string]interface{} {
	return map[string]interface{}{
		"method": method,
		"path":   p,
		"ext":    ext,
	}
}

// Classify returns the class of a request. It never fails: anything not
// matched by a rule is Generic.
func (c *Classifier) Classify(method, p string) Class {
	if p == "" {
		p = "/"
	}
	method = strings.ToUpper(method)
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))

	for _, r := range c.rules {
		out, err := r.expr.Evaluate(ruleParams(method, p, ext))
		if err != nil {
			continue
		}
		if ok, _ := out.(bool); ok {
			return r.class
		}
	}

	readOnly := method == "GET" || method == "HEAD"
	if c.isAPI(p) {
		if readOnly {
			return APIQuery
		}
		return APIMutation
	}
	if !readOnly {
		return Generic
	}

	switch {
	case hasAnyPrefix(p, c.opts.TemplatePrefixes),
		ext == "md" && hasAnyPrefix(p, c.opts.TemplateRoots):
		return Template
	case hasAnyPrefix(p, c.opts.ContentPrefixes):
		return ContentDocument
	case hasAnyPrefix(p, c.opts.VisualPrefixes), containsAny(p, c.opts.VisualMarkers):
		return VisualAsset
	}
	if _, ok := c.staticPath[p]; ok {
		return StaticAsset
	}
	if _, ok := c.staticExts[ext]; ok && ext != "" {
		return StaticAsset
	}
	return Generic
}

func (c *Classifier) isAPI(p string) bool {
	return hasAnyPrefix(p, c.opts.APIPrefixes) || containsAny(p, c.opts.APIMarkers)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
