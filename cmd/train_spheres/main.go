package main

import "flag"
import "fmt"
import "math/rand"
import "time"

import "github.com/justmebob123/crystalline/batch"
import "github.com/justmebob123/crystalline/coordinator"
import "github.com/justmebob123/crystalline/threads"

// Demo run: synthetic batches, a least-squares gradient against a fixed
// target vector, and the full sphere hierarchy in between.

var epochs = flag.Int("epochs", 10, "number of training epochs")
var batches = flag.Int("batches", 100, "batches per epoch")
var dim = flag.Int("dim", 16, "parameter vector size")
var lr = flag.Float64("lr", 0.05, "learning rate")
var checkpoint = flag.String("checkpoint", "", "checkpoint name to write after the last epoch")

type printStore struct{}

func (printStore) BroadcastWeights(weights []float64) error {
	fmt.Println("broadcast", len(weights), "weights")
	return nil
}

func main() {
	flag.Parse()

	target := make([]float64, *dim)
	for i := range target {
		target[i] = rand.Float64()*2 - 1
	}

	// Gradient of 0.5*|params-target|^2 per batch.
	gradFn := func(b *batch.Batch, params []float64) (float64, []float64, error) {
		grad := make([]float64, len(params))
		var loss float64
		for i := range params {
			d := params[i] - target[i]
			grad[i] = d
			loss += 0.5 * d * d
		}
		return loss, grad, nil
	}

	cfg := coordinator.DefaultConfig()
	cfg.GradientSize = *dim
	cfg.LearningRate = *lr
	cfg.ControlNodes = 2
	cfg.LeafNodes = threads.OptimalThreadCount(8)

	c, err := coordinator.New(cfg, gradFn, printStore{}, nil)
	if err != nil {
		panic(err.Error())
	}
	pool, err := batch.NewPool(64, 1, *dim)
	if err != nil {
		panic(err.Error())
	}
	fmt.Println("run", c.RunID, "nodes", c.Tree().Count(), "cores", threads.DetectPhysicalCores())
	if err := c.Start(); err != nil {
		panic(err.Error())
	}

	for epoch := 1; epoch <= *epochs; epoch++ {
		if err := c.StartEpoch(*batches); err != nil {
			panic(err.Error())
		}
		for i := 0; i < *batches; i++ {
			b := pool.Allocate()
			b.Epoch = uint32(epoch)
			c.Batches().Enqueue(b)
		}
		start := time.Now()
		if err := c.WaitEpochComplete(time.Minute); err != nil {
			fmt.Println("epoch", epoch, "failed:", err)
			continue
		}
		update := c.LastUpdate()
		var norm float64
		for _, g := range update {
			norm += g * g
		}
		fmt.Println("epoch", epoch, "step", c.Step(), "grad_norm_sq", norm, "took", time.Since(start))
	}

	if *checkpoint != "" {
		id, err := c.Checkpoint(*checkpoint)
		if err != nil {
			panic(err.Error())
		}
		fmt.Println("checkpoint", *checkpoint, "id", id)
	}
	if err := c.Stop(); err != nil {
		panic(err.Error())
	}
	fmt.Println(c.Tree().String())
}
