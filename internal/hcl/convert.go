package hcl

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// evalAs evaluates expr and converts the result to ty. A null result is
// returned as is; callers treat it as an omitted attribute.
func evalAs(expr hcl.Expression, evalCtx *hcl.EvalContext, ty cty.Type, attr string) (cty.Value, hcl.Diagnostics) {
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	if val.IsNull() {
		return val, nil
	}
	if !val.IsWhollyKnown() {
		return cty.NilVal, conversionDiag(expr, evalCtx, attr, "The value must be known before the run starts.")
	}
	if ty.Equals(cty.DynamicPseudoType) {
		return val, nil
	}
	converted, err := convert.Convert(val, ty)
	if err != nil {
		return cty.NilVal, conversionDiag(expr, evalCtx, attr, fmt.Sprintf("Expected %s: %s.", ty.FriendlyName(), err))
	}
	return converted, nil
}

func evalString(expr hcl.Expression, evalCtx *hcl.EvalContext, attr string) (string, bool, hcl.Diagnostics) {
	val, diags := evalAs(expr, evalCtx, cty.String, attr)
	if diags.HasErrors() || val.IsNull() {
		return "", false, diags
	}
	return val.AsString(), true, nil
}

func evalStringList(expr hcl.Expression, evalCtx *hcl.EvalContext, attr string) ([]string, hcl.Diagnostics) {
	val, diags := evalAs(expr, evalCtx, cty.List(cty.String), attr)
	if diags.HasErrors() || val.IsNull() {
		return nil, diags
	}
	var out []string
	if err := gocty.FromCtyValue(val, &out); err != nil {
		return nil, conversionDiag(expr, evalCtx, attr, err.Error())
	}
	return out, nil
}

func evalStringMap(expr hcl.Expression, evalCtx *hcl.EvalContext, attr string) (map[string]string, hcl.Diagnostics) {
	val, diags := evalAs(expr, evalCtx, cty.Map(cty.String), attr)
	if diags.HasErrors() || val.IsNull() {
		return nil, diags
	}
	out := make(map[string]string)
	if err := gocty.FromCtyValue(val, &out); err != nil {
		return nil, conversionDiag(expr, evalCtx, attr, err.Error())
	}
	return out, nil
}

// evalParameters evaluates a parameter deck. The value must be an object or
// map; it goes through its JSON form so nested lists and objects keep their
// shape and numbers keep their precision.
func evalParameters(expr hcl.Expression, evalCtx *hcl.EvalContext) (map[string]any, hcl.Diagnostics) {
	val, diags := evalAs(expr, evalCtx, cty.DynamicPseudoType, "parameters")
	if diags.HasErrors() || val.IsNull() {
		return nil, diags
	}
	if ty := val.Type(); !ty.IsObjectType() && !ty.IsMapType() {
		return nil, conversionDiag(expr, evalCtx, "parameters", fmt.Sprintf("Expected an object, got %s.", ty.FriendlyName()))
	}

	data, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, conversionDiag(expr, evalCtx, "parameters", err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, conversionDiag(expr, evalCtx, "parameters", err.Error())
	}
	return out, nil
}

func conversionDiag(expr hcl.Expression, evalCtx *hcl.EvalContext, attr, detail string) hcl.Diagnostics {
	return hcl.Diagnostics{{
		Severity:    hcl.DiagError,
		Summary:     fmt.Sprintf("Invalid value for %q", attr),
		Detail:      detail,
		Subject:     expr.Range().Ptr(),
		Expression:  expr,
		EvalContext: evalCtx,
	}}
}
