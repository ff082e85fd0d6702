// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoring compares two embedding sequences and returns a similarity score in [0, 100].
//
// Algorithm outline:
//  1. Drop the absent (nil) embeddings of both sequences, keeping their temporal order.
//     If either sequence is then empty, the score is 0.
//  2. Compute the N×M cosine-distance matrix C, with C[i][j] = 1 - cos(user[i], ref[j]), in [0, 2].
//  3. Dynamic time warping over C: D[0][0] = C[0][0], the first row and column are cumulative
//     sums and D[i][j] = C[i][j] + min(D[i-1][j], D[i][j-1], D[i-1][j-1]).
//  4. The alignment distance D[N-1][M-1] is divided by max(N, M).
//  5. score = 100 · exp(-α · distance), with α = 3.
//
// Identical sequences score exactly 100. Diametrically opposite single embeddings score 100·e^-6 ≈ 0.248.
//
// Complexity: O(N·M) time and memory.
package scoring
