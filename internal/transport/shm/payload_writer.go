/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

// PayloadWriter writes a payload directly into a mapped memfile buffer.
// WriteFull is used for the first write after a memfile was (re)created and
// whenever a full rewrite is forced; WriteModified may update the previous
// content in place. The buffer passed to either is exactly Size bytes long.
type PayloadWriter interface {
	WriteFull(buf []byte) bool
	WriteModified(buf []byte) bool
	Size() int
}

// BufferPayloadWriter copies a byte slice into the memfile.
type BufferPayloadWriter struct {
	Data []byte
}

// WriteFull copies the whole payload.
func (w BufferPayloadWriter) WriteFull(buf []byte) bool {
	return copy(buf, w.Data) == len(w.Data)
}

// WriteModified has nothing cheaper to offer than a full copy.
func (w BufferPayloadWriter) WriteModified(buf []byte) bool {
	return w.WriteFull(buf)
}

// Size returns the payload length.
func (w BufferPayloadWriter) Size() int {
	return len(w.Data)
}
