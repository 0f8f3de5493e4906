// Package scheduler provides batch scheduler implementations.
//
// Implementations:
//   - slurm: shells out to sbatch/squeue/sacct/scancel (production)
//   - fake: in-memory controllable scheduler for testing
package scheduler
