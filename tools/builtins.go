// Copyright 2025 Custodia
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// RegisterBuiltins installs the standard tools: search, calculator and
// weather. Search and weather return canned payloads; calculator evaluates
// real arithmetic.
func RegisterBuiltins(m *Mediator) {
	m.Register("search", "search", HandlerFunc(searchHandler), Metadata{
		Description: "Full-text search over indexed documents",
		Args:        ArgSpec{"query": "string"},
		Profile:     ProfileDefault,
		Timeout:     10 * time.Second,
	})

	m.Register("calculator", "compute", HandlerFunc(calculatorHandler), Metadata{
		Description: "Arithmetic expression evaluation",
		Args:        ArgSpec{"expression": "string"},
		Profile:     ProfileNetworkless,
		Timeout:     2 * time.Second,
	})

	m.Register("weather", "lookup", HandlerFunc(weatherHandler), Metadata{
		Description: "Current weather conditions for a location",
		Args:        ArgSpec{"location": "string"},
		Profile:     ProfileDefault,
		Timeout:     10 * time.Second,
	})
}

func searchHandler(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := args["query"].(string)
	return map[string]interface{}{
		"query": query,
		"snippets": []string{
			fmt.Sprintf("Overview of %s from the knowledge index.", query),
			fmt.Sprintf("Related material matching %q.", query),
		},
	}, nil
}

func calculatorHandler(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	expr := args["expression"].(string)
	value, err := evalExpression(expr)
	if err != nil {
		return nil, err
	}
	rendered := strconv.FormatFloat(value, 'f', -1, 64)
	return map[string]interface{}{
		"expression": expr,
		"value":      value,
		"rendered":   rendered,
	}, nil
}

var weatherConditions = []string{"clear", "partly cloudy", "overcast", "light rain", "windy"}

func weatherHandler(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	location := strings.TrimSpace(args["location"].(string))
	if location == "" {
		return nil, &Fault{Code: CodeInvalidArgs, Message: "location must not be empty"}
	}

	// Deterministic per location so repeated lookups agree.
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(location)))
	seed := h.Sum32()

	return map[string]interface{}{
		"location":      location,
		"conditions":    weatherConditions[seed%uint32(len(weatherConditions))],
		"temperature_c": float64(int(seed%35)) - 5,
	}, nil
}

// ====== Arithmetic evaluator ======

// The calculator accepts a closed grammar: decimal numbers, + - * /,
// unary minus and parentheses. Nothing in the expression is ever passed
// to a shell or an interpreter.

const codeInvalidExpression = "INVALID_EXPRESSION"

type calcToken struct {
	kind  byte // 'n' number, 'o' operator, '(' or ')'
	value float64
	op    byte
}

// evalExpression tokenizes, converts to postfix and evaluates.
func evalExpression(expr string) (float64, error) {
	tokens, err := tokenizeExpression(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, &Fault{Code: codeInvalidExpression, Message: "empty expression"}
	}

	postfix, err := toPostfix(tokens)
	if err != nil {
		return 0, err
	}
	return evalPostfix(postfix)
}

func tokenizeExpression(expr string) ([]calcToken, error) {
	var tokens []calcToken
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			v, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, &Fault{Code: codeInvalidExpression, Message: fmt.Sprintf("bad number %q", expr[i:j])}
			}
			tokens = append(tokens, calcToken{kind: 'n', value: v})
			i = j
		case c == '+' || c == '-' || c == '*' || c == '/':
			// A minus with no operand on its left is unary.
			if c == '-' && (len(tokens) == 0 || tokens[len(tokens)-1].kind == 'o' || tokens[len(tokens)-1].kind == '(') {
				tokens = append(tokens, calcToken{kind: 'o', op: 'u'})
			} else {
				tokens = append(tokens, calcToken{kind: 'o', op: c})
			}
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, calcToken{kind: c})
			i++
		default:
			return nil, &Fault{Code: codeInvalidExpression, Message: fmt.Sprintf("unexpected character %q", string(c))}
		}
	}
	return tokens, nil
}

func precedence(op byte) int {
	switch op {
	case 'u':
		return 3
	case '*', '/':
		return 2
	default:
		return 1
	}
}

// toPostfix is a standard shunting-yard conversion.
func toPostfix(tokens []calcToken) ([]calcToken, error) {
	var output []calcToken
	var stack []calcToken

	for _, t := range tokens {
		switch t.kind {
		case 'n':
			output = append(output, t)
		case 'o':
			for len(stack) > 0 && stack[len(stack)-1].kind == 'o' &&
				precedence(stack[len(stack)-1].op) >= precedence(t.op) && t.op != 'u' {
				output = append(output, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, t)
		case '(':
			stack = append(stack, t)
		case ')':
			for len(stack) > 0 && stack[len(stack)-1].kind != '(' {
				output = append(output, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return nil, &Fault{Code: codeInvalidExpression, Message: "unbalanced parentheses"}
			}
			stack = stack[:len(stack)-1]
		}
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.kind == '(' {
			return nil, &Fault{Code: codeInvalidExpression, Message: "unbalanced parentheses"}
		}
		output = append(output, top)
		stack = stack[:len(stack)-1]
	}
	return output, nil
}

func evalPostfix(postfix []calcToken) (float64, error) {
	var stack []float64
	for _, t := range postfix {
		switch t.kind {
		case 'n':
			stack = append(stack, t.value)
		case 'o':
			if t.op == 'u' {
				if len(stack) < 1 {
					return 0, &Fault{Code: codeInvalidExpression, Message: "malformed expression"}
				}
				stack[len(stack)-1] = -stack[len(stack)-1]
				continue
			}
			if len(stack) < 2 {
				return 0, &Fault{Code: codeInvalidExpression, Message: "malformed expression"}
			}
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]

			var v float64
			switch t.op {
			case '+':
				v = a + b
			case '-':
				v = a - b
			case '*':
				v = a * b
			case '/':
				if b == 0 {
					return 0, &Fault{Code: codeInvalidExpression, Message: "division by zero"}
				}
				v = a / b
			}
			stack = append(stack, v)
		}
	}
	if len(stack) != 1 {
		return 0, &Fault{Code: codeInvalidExpression, Message: "malformed expression"}
	}
	return stack[0], nil
}
