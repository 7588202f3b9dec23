// Package password hashes and verifies the shared secrets of password groups.
//
// Hashes use Argon2id in the PHC string form
// $argon2id$v=19$m=<KiB>,t=<iterations>,p=<lanes>$<salt>$<key>
// and are treated as untrusted input when verified.
package password
