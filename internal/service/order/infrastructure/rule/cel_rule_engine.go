package rule

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"fulfillment/internal/service/order/domain"
)

type compiled struct {
	source  string
	program cel.Program
}

// CELRuleEngine 是 domain.RuleEngine 的 CEL 实现。
// 规则可以在运行时替换（配置中心推送），编译失败时保留旧规则。
type CELRuleEngine struct {
	env     *cel.Env
	current atomic.Pointer[compiled]
}

// NewCELRuleEngine 编译初始规则，空规则表示全部放行。
func NewCELRuleEngine(rule string) (*CELRuleEngine, error) {
	env, err := cel.NewEnv(cel.Variable("order", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}
	e := &CELRuleEngine{env: env}
	if err := e.Update(rule); err != nil {
		return nil, err
	}
	return e, nil
}

// Update 编译并原子替换规则
func (e *CELRuleEngine) Update(rule string) error {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		e.current.Store(&compiled{})
		return nil
	}
	ast, iss := e.env.Compile(rule)
	if iss != nil && iss.Err() != nil {
		return errors.Wrapf(iss.Err(), "invalid admission rule %q", rule)
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return errors.Errorf("admission rule %q must evaluate to bool, got %s", rule, t)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return errors.Wrapf(err, "failed to build program for rule %q", rule)
	}
	e.current.Store(&compiled{source: rule, program: prg})
	return nil
}

// Rule 返回当前生效的规则文本
func (e *CELRuleEngine) Rule() string {
	return e.current.Load().source
}

// Evaluate 实现了 domain.RuleEngine 接口。
func (e *CELRuleEngine) Evaluate(fact domain.OrderFact) (bool, error) {
	c := e.current.Load()
	if c.program == nil {
		return true, nil
	}

	// 1. 事实转成 map，规则里通过 order.<json 字段名> 访问
	data, err := json.Marshal(fact)
	if err != nil {
		return false, err
	}
	var factMap map[string]interface{}
	if err := json.Unmarshal(data, &factMap); err != nil {
		return false, err
	}

	// 2. 执行评估
	out, _, err := c.program.Eval(map[string]interface{}{"order": factMap})
	if err != nil {
		return false, errors.Wrapf(err, "failed to evaluate admission rule %q", c.source)
	}
	admitted, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("admission rule %q returned %T", c.source, out.Value())
	}
	return admitted, nil
}
