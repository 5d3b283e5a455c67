/*
Package consensus implements the Reimint round state machine and its
reactor.

                         +-------------------------------------+
                         v                                     |(Wait til `CommitTime+timeoutCommit`)
                   +-----------+                         +-----+-----+
      +----------> |  Propose  +--------------+          | NewHeight |
      |            +-----------+              |          +-----------+
      |                                       |                ^
      |(Else, after timeoutPrecommit)         v                |
+-----+-----+                           +-----------+          |
| Precommit |  <------------------------+  Prevote  |          |
+-----+-----+                           +-----------+          |
      |(When +2/3 Precommits for block found)                  |
      v                                                        |
+--------------------------------------------------------------------+
|  Commit                                                            |
|                                                                    |
|  * Hand the block and its commit to the commit pipeline;           |
|  * Wait until it is the new head, write #ENDHEIGHT to the WAL;     |
|  * Set StartTime = now + timeoutCommit                             |
+--------------------------------------------------------------------+

Every input of the state machine (peer and own messages, timeouts and
round changes) is appended to the WAL before it is acted upon, so a
restarted node replays into the round state it crashed in without signing
anything twice.
*/
package consensus
