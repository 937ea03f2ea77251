// Package job maps symbolic job names to fixed pipelines of trust-validate,
// secret-load, script-execute, and upload steps.
//
// Jobs are a closed enumeration: MAC_CODE_SIGN and S3_UPLOAD. Unknown names
// fail before any side effect. Every dispatch guarantees exactly one teardown
// script invocation, on success, failure, and panic alike; a teardown failure
// is logged and never masks the error it is cleaning up after. Teardown runs
// with the job's final environment, loaded secrets included, so cleanup
// scripts can locate the keychain they remove. A panic is recorded as a
// failed run before it propagates.
//
// The execution environment is an explicit environ.Env value threaded through
// the pipeline: secrets are applied to the value, never to the runner's own
// process environment. Only the child-process spawn materializes it.
//
// Error handling:
//   - missing JOB_NAME → ErrMissingJobName (teardown still runs)
//   - unknown job name → *UnknownJobError (teardown still runs)
//   - trust failures, spawn failures, non-zero exits, and upload failures
//     propagate verbatim after teardown has been given its chance
//
// Limitations carried over from the historical runner:
//   - no retry policy (CI-level retries are an external concern)
//   - a failed upload aborts the remaining glob matches
package job
