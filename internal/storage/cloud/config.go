/*
Vaultmail - Encrypted multi-user mail and calendar store.
Copyright © 2024 Vaultmail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package cloud implements the cloud Storage backend (§4.1): rows live in a
// K2V-shaped row store reachable over HTTP and signed with AWS SigV4, blobs
// live in an S3-compatible bucket reached through minio-go.
package cloud

// Config describes how to reach both halves of a cloud Storage binding. Both
// halves are expected to point at the same underlying cluster (e.g. Garage),
// but nothing here requires that.
type Config struct {
	// Row store (K2V-shaped HTTP API).
	K2VEndpoint string
	K2VBucket   string

	// Blob store (S3-compatible).
	S3Endpoint string
	S3Bucket   string
	S3UseTLS   bool

	Region    string
	AccessKey string
	SecretKey string
}
