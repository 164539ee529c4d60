/*
Copyright 2013 The Camlistore Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kvstore implements the embedded storage core for a column of a
// fixed-key-width key/value database: slab-allocated value tables segmented
// by size tier, an open-addressed index table, and the column coordinator
// that plans writes through a write-ahead log, enacts them against durable
// files, and drains index rebalances without halting writers.
//
// A write never touches a file directly. It is first planned into a
// LogWriter overlay (read-your-writes within the planning window),
// later enacted by replaying the log against the on-disk tables, and
// finally completed by flushing per-table metadata. See Column.WritePlan,
// Column.EnactPlan and Column.CompletePlan.
package kvstore
