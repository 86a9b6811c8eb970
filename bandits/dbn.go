package bandits

import (
	"fmt"
	"math"

	"github.com/thalesfsp/gpbandit"
)

// DummyDBN mimics the search space of a deep belief network: a
// preprocessing choice, a learning rate, an optional weight penalty and
// zero to three pretrained layers, each with its own nested choices. The
// loss is a cheap synthetic surface over those values; learning rates
// above 1 diverge and report StatusFail.
type DummyDBN struct {
	space *gpbandit.Space
}

// NewDummyDBN returns a DummyDBN bandit.
func NewDummyDBN() *DummyDBN {
	layer := func() *gpbandit.Dict {
		return gpbandit.NewDict(
			gpbandit.F("n_hid", gpbandit.QLogNormal(math.Log(256), 1, 16)),
			gpbandit.F("w_init", gpbandit.NewChoice(
				gpbandit.NewDict(
					gpbandit.F("dist", &gpbandit.Literal{Value: "uniform"}),
					gpbandit.F("scale", gpbandit.LogNormal(math.Log(.1), 1)),
				),
				gpbandit.NewDict(
					gpbandit.F("dist", &gpbandit.Literal{Value: "normal"}),
					gpbandit.F("scale", gpbandit.LogNormal(math.Log(.01), 1)),
				),
			)),
			gpbandit.F("cd_epochs", gpbandit.QLogNormal(math.Log(10), 1, 1)),
			gpbandit.F("cd_lr", gpbandit.LogNormal(math.Log(.01), 1)),
			gpbandit.F("sample_v0s", gpbandit.OneOf(false, true)),
		)
	}

	layers := func(n int) gpbandit.Node {
		fields := []gpbandit.Field{gpbandit.F("depth", &gpbandit.Literal{Value: n})}
		for i := 0; i < n; i++ {
			fields = append(fields, gpbandit.F(fmt.Sprintf("layer%d", i), layer()))
		}

		return gpbandit.NewDict(fields...)
	}

	root := gpbandit.NewDict(
		gpbandit.F("preprocessing", gpbandit.NewChoice(
			gpbandit.NewDict(gpbandit.F("kind", &gpbandit.Literal{Value: "raw"})),
			gpbandit.NewDict(
				gpbandit.F("kind", &gpbandit.Literal{Value: "zca"}),
				gpbandit.F("energy", gpbandit.Uniform(.5, 1)),
			),
		)),
		gpbandit.F("lr", gpbandit.LogNormal(math.Log(.01), 3)),
		gpbandit.F("l2_penalty", gpbandit.NewChoice(
			&gpbandit.Literal{Value: nil},
			gpbandit.LogNormal(math.Log(1e-6), 2),
		)),
		gpbandit.F("batchsize", gpbandit.OneOf(20, 100)),
		gpbandit.F("dbn", gpbandit.NewChoice(layers(0), layers(1), layers(2), layers(3))),
	)

	return &DummyDBN{space: mustCompile(root)}
}

// Space implements gpbandit.Bandit.
func (d *DummyDBN) Space() *gpbandit.Space { return d.space }

// Evaluate implements gpbandit.Bandit.
func (d *DummyDBN) Evaluate(config gpbandit.Config) (gpbandit.Result, error) {
	lr, err := number(config, "lr")
	if err != nil {
		return gpbandit.Result{}, err
	}

	if lr > 1 {
		return gpbandit.Result{Status: gpbandit.StatusFail}, nil
	}

	// Best around lr = 0.03.
	loss := .1 * math.Pow(math.Log10(lr/.03), 2)

	if pre, _ := config["preprocessing"].(map[string]any); pre != nil {
		if energy, err := number(pre, "energy"); err == nil {
			loss += .2 * (1 - energy)
		} else {
			loss += .05
		}
	}

	if l2, isNum := config["l2_penalty"].(float64); isNum {
		loss += .01 * math.Abs(math.Log10(l2/1e-4))
	}

	dbn, _ := config["dbn"].(map[string]any)
	depth, err := number(dbn, "depth")
	if err != nil {
		return gpbandit.Result{}, err
	}

	loss += .1 * math.Abs(depth-2)

	for i := 0; i < int(depth); i++ {
		l, _ := dbn[fmt.Sprintf("layer%d", i)].(map[string]any)

		nHid, err := number(l, "n_hid")
		if err != nil {
			return gpbandit.Result{}, err
		}

		loss += .05 * math.Pow(math.Log2(nHid/512), 2) / (1 + float64(i))
	}

	return okResult(loss, .01), nil
}
