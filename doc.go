// Package sdauploader uploads files and directory trees to an SFTP server,
// encrypting them into Crypt4GH containers on the way.
//
// This package provides:
//   - Credential resolution that tries an RSA key, an Ed25519 key and finally
//     the password, each against a throwaway connection
//   - A single SFTP session per run, closed on every exit path
//   - An encryption gate that leaves Crypt4GH files alone and encrypts the rest
//     to a .c4gh sibling that is removed after upload
//   - Chunked, resumable transfers reconciled by byte count
//   - Directory mirroring with idempotent remote directory creation
//
// # Basic Usage
//
//	enc, err := sdauploader.NewCrypt4GHEncrypter(senderKey, recipientKey)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	uploader, err := sdauploader.NewUploader(sdauploader.Config{
//		Endpoint: sdauploader.Endpoint{Host: "sftp.example.org", User: "submitter"},
//	}, enc)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	summary, err := uploader.Upload(ctx, sdauploader.Request{
//		Target:   "/data/set",
//		Key:      sshKey,
//		Password: passphrase,
//	})
//	if err != nil {
//		log.Fatal(err) // authentication or transport failure
//	}
//	if err := summary.Err(); err != nil {
//		log.Print(err) // some files failed
//	}
//
// # Resuming
//
// Resume is the default mode. A remote file that already holds the first K
// bytes of the artifact receives only the remaining bytes. Only the sizes are
// compared, so a remote prefix written from different content is not detected.
// Overwrite rewrites remote files from offset 0.
package sdauploader
